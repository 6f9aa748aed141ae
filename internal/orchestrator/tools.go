package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
)

const (
	maxReadBytes   = 100 * 1024 // 100KB
	maxListEntries = 200
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Kind is policy.KindCore, policy.KindManager or policy.KindExtension.
	Kind string `json:"kind"`
	// Schema is the JSON Schema of the arguments object.
	Schema string `json:"schema"`
}

// ExtensionTool is a dynamically routed tool contributed by a plugin.
type ExtensionTool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

type toolHandler func(ctx context.Context, d *Dispatcher, env CallEnv, args map[string]any) (ToolResult, error)

type builtinTool struct {
	spec    ToolSpec
	handler toolHandler
}

var builtinTools = []builtinTool{
	{
		spec: ToolSpec{
			Name:        "finish_task",
			Description: "End the turn with a final answer. Use outcome \"partial\" when the user must confirm before you continue.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"summary":{"type":"string","minLength":1},
				"outcome":{"type":"string","enum":["done","partial"]},
				"text":{"type":"string"}},
				"required":["summary"]}`,
		},
		handler: finishTask,
	},
	{
		spec: ToolSpec{
			Name:        "ask_user",
			Description: "Ask the user a question and wait for their confirmation.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"question":{"type":"string","minLength":1}},
				"required":["question"]}`,
		},
		handler: askUser,
	},
	{
		spec: ToolSpec{
			Name:        "send_message",
			Description: "Send an interim message to the user on the current channel.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"text":{"type":"string","minLength":1}},
				"required":["text"]}`,
		},
		handler: sendMessage,
	},
	{
		spec: ToolSpec{
			Name:        "read_file",
			Description: "Read a text file from the workspace. Maximum 100KB.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"path":{"type":"string","minLength":1}},
				"required":["path"]}`,
		},
		handler: readFile,
	},
	{
		spec: ToolSpec{
			Name:        "list_files",
			Description: "List the entries of a workspace directory.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"path":{"type":"string"}}}`,
		},
		handler: listFiles,
	},
	{
		spec: ToolSpec{
			Name:        "write_file",
			Description: "Write a text file in the workspace, creating parent directories.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"path":{"type":"string","minLength":1},
				"content":{"type":"string"}},
				"required":["path","content"]}`,
		},
		handler: writeFile,
	},
	{
		spec: ToolSpec{
			Name:        "run_shell",
			Description: "Run a short shell command in the workspace and return its output.",
			Kind:        policy.KindCore,
			Schema: `{"type":"object","properties":{
				"command":{"type":"string","minLength":1}},
				"required":["command"]}`,
		},
		handler: runShell,
	},
	{
		spec: ToolSpec{
			Name:        "list_workers",
			Description: "List the configured workers with their backends, capabilities and queue depth.",
			Kind:        policy.KindManager,
			Schema:      `{"type":"object","properties":{}}`,
		},
		handler: listWorkers,
	},
	{
		spec: ToolSpec{
			Name:        "dispatch_worker",
			Description: "Hand an instruction to a worker. worker_id \"auto\" picks the best worker. With wait=true the result is returned inline; otherwise it is delivered later.",
			Kind:        policy.KindManager,
			Schema: `{"type":"object","properties":{
				"worker_id":{"type":"string","minLength":1},
				"instruction":{"type":"string","minLength":1},
				"backend":{"type":"string","enum":["agent","shell","docker"]},
				"wait":{"type":"boolean"}},
				"required":["worker_id","instruction"]}`,
		},
		handler: dispatchWorker,
	},
	{
		spec: ToolSpec{
			Name:        "worker_status",
			Description: "Report the status of a dispatched job, or the queue depth of a worker.",
			Kind:        policy.KindManager,
			Schema: `{"type":"object","properties":{
				"job_id":{"type":"string","minLength":1},
				"worker_id":{"type":"string","minLength":1}},
				"anyOf":[{"required":["job_id"]},{"required":["worker_id"]}]}`,
		},
		handler: workerStatus,
	},
}

// decodeArgs re-marshals the generic argument map into a typed input.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

type finishTaskInput struct {
	Summary string `json:"summary"`
	Outcome string `json:"outcome"`
	Text    string `json:"text"`
}

func finishTask(_ context.Context, _ *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	var in finishTaskInput
	if err := decodeArgs(args, &in); err != nil {
		return failResult(shared.CodeInvalidArgs, "finish_task: %v", err), nil
	}
	outcome := in.Outcome
	if outcome == "" {
		outcome = OutcomeDone
	}
	return ToolResult{
		OK:          true,
		Terminal:    true,
		TaskOutcome: outcome,
		Summary:     strings.TrimSpace(in.Summary),
		Text:        strings.TrimSpace(in.Text),
	}, nil
}

func askUser(_ context.Context, _ *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	q, _ := args["question"].(string)
	return ToolResult{
		OK:          true,
		Terminal:    true,
		TaskOutcome: OutcomePartial,
		Text:        strings.TrimSpace(q),
	}, nil
}

func sendMessage(ctx context.Context, _ *Dispatcher, env CallEnv, args map[string]any) (ToolResult, error) {
	text, _ := args["text"].(string)
	if env.Channel == nil || env.ChatID == "" {
		return failResult(shared.CodeInvalidArgs, "send_message: no channel attached to this turn"), nil
	}
	if _, err := env.Channel.SendMessage(ctx, env.ChatID, text); err != nil {
		return ToolResult{}, fmt.Errorf("send_message: %w", err)
	}
	return okResult("message sent"), nil
}

// resolvePath joins a workspace-relative path and rejects escapes.
func (d *Dispatcher) resolvePath(raw string) (string, error) {
	if d.workspace == "" {
		return "", errors.New("file tools are disabled: no workspace configured")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "."
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.workspace, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(d.workspace, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", raw)
	}
	return p, nil
}

func readFile(_ context.Context, d *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	raw, _ := args["path"].(string)
	path, err := d.resolvePath(raw)
	if err != nil {
		return failResult(shared.CodeInvalidArgs, "read_file: %v", err), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return failResult(shared.CodeInvalidArgs, "read_file: %v", err), nil
	}
	if info.IsDir() {
		return failResult(shared.CodeInvalidArgs, "read_file: %s is a directory, use list_files instead", raw), nil
	}
	if info.Size() > maxReadBytes {
		return failResult(shared.CodeInvalidArgs, "read_file: file too large: %d bytes (max %d)", info.Size(), maxReadBytes), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{}, fmt.Errorf("read_file: %w", err)
	}
	return okResult(string(data)), nil
}

func listFiles(_ context.Context, d *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	raw, _ := args["path"].(string)
	path, err := d.resolvePath(raw)
	if err != nil {
		return failResult(shared.CodeInvalidArgs, "list_files: %v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failResult(shared.CodeInvalidArgs, "list_files: %v", err), nil
	}
	var b strings.Builder
	for i, e := range entries {
		if i == maxListEntries {
			fmt.Fprintf(&b, "... (%d more)\n", len(entries)-maxListEntries)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return okResult("(empty)"), nil
	}
	return okResult(strings.TrimRight(b.String(), "\n")), nil
}

func writeFile(_ context.Context, d *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	raw, _ := args["path"].(string)
	content, _ := args["content"].(string)
	path, err := d.resolvePath(raw)
	if err != nil {
		return failResult(shared.CodeInvalidArgs, "write_file: %v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ToolResult{}, fmt.Errorf("write_file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return ToolResult{}, fmt.Errorf("write_file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ToolResult{}, fmt.Errorf("write_file: %w", err)
	}
	return okResult(fmt.Sprintf("wrote %d bytes to %s", len(content), raw)), nil
}

func runShell(ctx context.Context, d *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	cmd, _ := args["command"].(string)
	res, err := d.shell.Run(ctx, worker.Request{
		Worker:      worker.Worker{ID: "manager", WorkDir: d.workspace},
		Instruction: cmd,
	})
	if res.OK {
		return ToolResult{OK: true, Text: res.Text}, nil
	}
	out := failResult(shared.ErrorCode(res.ErrorCode), "run_shell: %s", res.Error)
	out.Text = res.Text
	if out.ErrorCode == "" {
		out.ErrorCode = shared.ClassifyError(err)
	}
	if errors.Is(err, context.Canceled) {
		out.FailureMode = FailureFatal
	}
	return out, nil
}

type workerSummary struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Description    string   `json:"description,omitempty"`
	DefaultBackend string   `json:"default_backend"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Pending        int      `json:"pending"`
	Running        int      `json:"running"`
}

func listWorkers(ctx context.Context, d *Dispatcher, _ CallEnv, _ map[string]any) (ToolResult, error) {
	if d.runtime == nil {
		return failResult(shared.CodeInternal, "list_workers: worker runtime not configured"), nil
	}
	var out []workerSummary
	for _, w := range d.runtime.Registry().List() {
		s := workerSummary{
			ID:             w.ID,
			DisplayName:    w.DisplayName,
			Description:    w.Description,
			DefaultBackend: w.DefaultBackend,
			Capabilities:   w.Capabilities,
		}
		if d.queue != nil {
			s.Pending, s.Running, _ = d.queue.Depth(ctx, w.ID)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	b, err := json.Marshal(out)
	if err != nil {
		return ToolResult{}, fmt.Errorf("list_workers: %w", err)
	}
	return okResult(string(b)), nil
}

type dispatchInput struct {
	WorkerID    string `json:"worker_id"`
	Instruction string `json:"instruction"`
	Backend     string `json:"backend"`
	Wait        bool   `json:"wait"`
}

// dispatchWorker records a child Task Inbox entry for the delegated work,
// then either enqueues a job for the worker daemon or runs it inline.
func dispatchWorker(ctx context.Context, d *Dispatcher, env CallEnv, args map[string]any) (ToolResult, error) {
	var in dispatchInput
	if err := decodeArgs(args, &in); err != nil {
		return failResult(shared.CodeInvalidArgs, "dispatch_worker: %v", err), nil
	}
	if d.runtime == nil {
		return failResult(shared.CodeInternal, "dispatch_worker: worker runtime not configured"), nil
	}

	reason := "requested by manager"
	w, ok := d.runtime.Registry().Get(in.WorkerID)
	if in.WorkerID == "auto" {
		sel, found := d.runtime.Registry().Select(in.Instruction, func(id string) int {
			if d.queue == nil {
				return 0
			}
			p, r, err := d.queue.Depth(ctx, id)
			if err != nil {
				return 0
			}
			return p + r
		})
		w, ok, reason = sel.Worker, found, sel.Reason
	}
	if !ok {
		return failResult(shared.CodeInvalidArgs, "dispatch_worker: unknown worker %q", in.WorkerID), nil
	}

	meta := map[string]any{}
	if env.UserID != "" {
		meta[workqueue.MetaUserID] = env.UserID
	}
	if env.SessionID != "" {
		meta["session_id"] = env.SessionID
	}
	if env.TaskID != "" {
		meta["parent_task_id"] = env.TaskID
	}
	if env.Channel != nil && env.ChatID != "" && !channels.IsHeadless(env.Channel) {
		meta[workqueue.MetaDeliveryTarget] = workqueue.DeliveryTarget{Platform: env.Channel.Name(), ChatID: env.ChatID}
	}

	if d.inbox != nil {
		child, err := d.inbox.Submit(ctx, persistence.SubmitRequest{
			Source:   sourceOf(env.Source),
			Goal:     in.Instruction,
			UserID:   env.UserID,
			Payload:  map[string]any{"backend": in.Backend, "wait": in.Wait},
			Metadata: map[string]any{"parent_task_id": env.TaskID, "worker_id": w.ID},
		})
		if err != nil {
			return ToolResult{}, fmt.Errorf("dispatch_worker: record task: %w", err)
		}
		meta[workqueue.MetaTaskID] = child.TaskID
		if _, err := d.inbox.AssignWorker(ctx, child.TaskID, w.ID, reason, env.Identity); err != nil {
			d.logger.Warn("inbox assign failed", "task_id", child.TaskID, "worker_id", w.ID, "error", err)
		}
	}

	if in.Wait || d.queue == nil {
		res, err := d.runtime.ExecuteTask(ctx, w.ID, sourceOf(env.Source), in.Instruction, in.Backend, meta)
		if err != nil && !res.OK && res.ErrorCode == "" {
			res.ErrorCode = string(shared.ClassifyError(err))
		}
		return fromWorkerResult(w.ID, res), nil
	}

	job, err := d.queue.Submit(ctx, w.ID, in.Instruction, sourceOf(env.Source), in.Backend, meta)
	if err != nil {
		code := shared.ClassifyError(err)
		if errors.Is(err, workqueue.ErrLockTimeout) {
			code = shared.CodeLockBusy
		}
		return failResult(code, "dispatch_worker: %v", err), nil
	}
	text := fmt.Sprintf("Dispatched to %s (job %s). I'll send the result when it finishes.", w.ID, job.JobID)
	return ToolResult{
		OK:          true,
		Terminal:    true,
		TaskOutcome: OutcomeDone,
		Summary:     "dispatched",
		Text:        text,
		Payload:     workqueue.Payload{Data: map[string]any{"job_id": job.JobID, "worker_id": w.ID, "reason": reason}},
	}, nil
}

// fromWorkerResult maps an inline worker result onto the tool contract.
// Runtime failures are recoverable so the manager can pick another route.
func fromWorkerResult(workerID string, res workqueue.Result) ToolResult {
	if res.OK {
		return ToolResult{
			OK:          true,
			Terminal:    true,
			TaskOutcome: OutcomeDone,
			Summary:     fmt.Sprintf("%s finished via %s", workerID, res.Backend),
			Text:        res.Text,
			UI:          res.UI,
			Payload:     res.Payload,
		}
	}
	code := shared.ErrorCode(res.ErrorCode)
	if code == "" {
		code = shared.CodeCommandFailed
	}
	out := failResult(code, "%s failed: %s", workerID, res.Error)
	out.Text = res.Text
	return out
}

func workerStatus(ctx context.Context, d *Dispatcher, _ CallEnv, args map[string]any) (ToolResult, error) {
	if d.queue == nil {
		return failResult(shared.CodeInternal, "worker_status: queue not configured"), nil
	}
	jobID, _ := args["job_id"].(string)
	workerID, _ := args["worker_id"].(string)

	if jobID != "" {
		job, err := d.queue.Get(ctx, jobID)
		if err == nil {
			return statusResult(job, "")
		}
		if !errors.Is(err, workqueue.ErrNotFound) {
			return failResult(shared.ClassifyError(err), "worker_status: %v", err), nil
		}
		if workerID != "" {
			if rec, herr := d.queue.History(workerID, jobID); herr == nil {
				return statusResult(&rec.Job, rec.DeliveryDetail)
			}
		}
		return failResult(shared.CodeInvalidArgs, "worker_status: job %s not found", jobID), nil
	}

	pending, running, err := d.queue.Depth(ctx, workerID)
	if err != nil {
		return failResult(shared.ClassifyError(err), "worker_status: %v", err), nil
	}
	return okResult(fmt.Sprintf("%s: %d pending, %d running", workerID, pending, running)), nil
}

type jobStatus struct {
	JobID     string              `json:"job_id"`
	WorkerID  string              `json:"worker_id"`
	Status    workqueue.Status    `json:"status"`
	Progress  *workqueue.Progress `json:"progress,omitempty"`
	Result    string              `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Delivered string              `json:"delivered,omitempty"`
}

func statusResult(j *workqueue.Job, delivery string) (ToolResult, error) {
	s := jobStatus{JobID: j.JobID, WorkerID: j.WorkerID, Status: j.Status, Error: j.Error, Delivered: delivery}
	if p, ok := j.Progress(); ok {
		s.Progress = &p
	}
	if j.Result != nil {
		s.Result = j.Result.Text
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ToolResult{}, fmt.Errorf("worker_status: %w", err)
	}
	return okResult(string(b)), nil
}

func sourceOf(s string) string {
	switch s {
	case persistence.SourceChat, persistence.SourceHeartbeat, persistence.SourceSystem:
		return s
	}
	return persistence.SourceChat
}
