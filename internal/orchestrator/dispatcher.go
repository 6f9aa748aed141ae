package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CallEnv is the per-turn context a tool executes in.
type CallEnv struct {
	Identity  string
	UserID    string
	SessionID string
	TaskID    string
	Source    string
	// Channel and ChatID route send_message and async delivery. Headless
	// runs pass a recording adapter.
	Channel channels.Adapter
	ChatID  string
}

// Dispatcher resolves a tool name to its implementation, enforces policy
// and argument schemas, and always returns a structured result.
type Dispatcher struct {
	policy     policy.Checker
	runtime    *worker.Runtime
	queue      *workqueue.Queue
	inbox      *persistence.Inbox
	shell      *worker.ShellBackend
	workspace  string
	builtins   map[string]builtinTool
	extensions map[string]ExtensionTool
	schemas    map[string]*jsonschema.Schema
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
}

type DispatcherOption func(*Dispatcher)

func WithWorkerRuntime(rt *worker.Runtime) DispatcherOption {
	return func(d *Dispatcher) { d.runtime = rt }
}

func WithQueue(q *workqueue.Queue) DispatcherOption {
	return func(d *Dispatcher) { d.queue = q }
}

func WithDispatchInbox(in *persistence.Inbox) DispatcherOption {
	return func(d *Dispatcher) { d.inbox = in }
}

// WithWorkspace roots the file and shell tools at dir.
func WithWorkspace(dir string) DispatcherOption {
	return func(d *Dispatcher) { d.workspace = dir }
}

func WithShell(sb *worker.ShellBackend) DispatcherOption {
	return func(d *Dispatcher) {
		if sb != nil {
			d.shell = sb
		}
	}
}

func WithExtension(t ExtensionTool) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.extensions[t.Spec().Name] = t
		}
	}
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithDispatcherMetrics(m *otel.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatcherTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

func NewDispatcher(checker policy.Checker, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		policy:     checker,
		builtins:   map[string]builtinTool{},
		extensions: map[string]ExtensionTool{},
		schemas:    map[string]*jsonschema.Schema{},
		logger:     slog.Default(),
	}
	for _, t := range builtinTools {
		d.builtins[t.spec.Name] = t
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.shell == nil {
		d.shell = worker.NewShellBackend(&worker.HostRunner{}, 0, 0)
	}
	if d.workspace != "" {
		abs, err := filepath.Abs(d.workspace)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		d.workspace = abs
	}

	c := jsonschema.NewCompiler()
	for _, spec := range d.specs() {
		if spec.Schema == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.Schema))
		if err != nil {
			return nil, fmt.Errorf("tool %s: unmarshal schema: %w", spec.Name, err)
		}
		url := "tool-" + spec.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("tool %s: add schema resource: %w", spec.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
		}
		d.schemas[spec.Name] = schema
	}
	return d, nil
}

// specs lists every registered tool, builtins first, sorted by name.
func (d *Dispatcher) specs() []ToolSpec {
	out := make([]ToolSpec, 0, len(d.builtins)+len(d.extensions))
	for _, t := range builtinTools {
		out = append(out, t.spec)
	}
	ext := make([]ToolSpec, 0, len(d.extensions))
	for _, t := range d.extensions {
		ext = append(ext, t.Spec())
	}
	sort.Slice(ext, func(i, j int) bool { return ext[i].Name < ext[j].Name })
	return append(out, ext...)
}

func (d *Dispatcher) lookup(name string) (ToolSpec, bool) {
	if t, ok := d.builtins[name]; ok {
		return t.spec, true
	}
	if t, ok := d.extensions[name]; ok {
		spec := t.Spec()
		spec.Kind = policy.KindExtension
		return spec, true
	}
	return ToolSpec{}, false
}

// Tools returns the tool set available to identity this turn. Manager-only
// tools are never offered to workers; everything else is filtered through
// the Policy Store.
func (d *Dispatcher) Tools(identity string) []ToolSpec {
	var out []ToolSpec
	for _, spec := range d.specs() {
		if _, ok := d.extensions[spec.Name]; ok {
			spec.Kind = policy.KindExtension
		}
		if spec.Kind == policy.KindManager && policy.IsWorkerIdentity(identity) {
			continue
		}
		if ok, _ := d.policy.IsToolAllowed(identity, spec.Name, spec.Kind); !ok {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// Dispatch executes one tool call. Handler errors are folded into a failed
// result; Dispatch itself never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, env CallEnv, call ToolCall) ToolResult {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, d.tracer, "tool."+call.Name,
		otel.AttrToolName.String(call.Name),
		otel.AttrIdentity.String(env.Identity),
	)
	defer span.End()

	res := d.dispatch(ctx, env, call)
	d.metrics.RecordToolCall(ctx, call.Name, res.OK, time.Since(start))
	if !res.OK {
		span.SetStatus(codes.Error, string(res.ErrorCode))
		d.logger.Info("tool call failed",
			"tool", call.Name, "identity", env.Identity, "error_code", res.ErrorCode, "message", res.Message)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, env CallEnv, call ToolCall) ToolResult {
	spec, ok := d.lookup(call.Name)
	if !ok {
		return failResult(shared.CodeUnknownTool, "unknown tool %q", call.Name)
	}
	if spec.Kind == policy.KindManager && policy.IsWorkerIdentity(env.Identity) {
		return failResult(shared.CodePolicyBlocked, "%s is only available to the manager", call.Name)
	}
	if allowed, detail := d.policy.IsToolAllowed(env.Identity, call.Name, spec.Kind); !allowed {
		return failResult(shared.CodePolicyBlocked, "%s denied by policy: %s", call.Name, detail.Reason)
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := d.validate(call.Name, args); err != nil {
		return failResult(shared.CodeInvalidArgs, "%s: %v", call.Name, err)
	}

	var (
		res ToolResult
		err error
	)
	if t, ok := d.builtins[call.Name]; ok {
		res, err = t.handler(ctx, d, env, args)
	} else {
		res, err = d.extensions[call.Name].Execute(ctx, args)
	}
	if err != nil {
		out := failResult(shared.ClassifyError(err), "%v", err)
		out.Text = res.Text
		return out
	}
	return res
}

func (d *Dispatcher) validate(name string, args map[string]any) error {
	schema, ok := d.schemas[name]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	// jsonschema wants json.Number for numeric validation.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments: %s", err)
	}
	return nil
}
