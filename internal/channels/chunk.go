package channels

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunk splits text into parts that fit limit bytes including the "[i/n] "
// prefix added when the text needs more than one part. Splits prefer a
// newline in the second half of the window and never cut a UTF-8 rune.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	// The prefix width depends on the part count; grow the reserve until the
	// split is stable.
	reserve := len("[1/9] ")
	var parts []string
	for {
		parts = split(text, limit-reserve)
		need := len(fmt.Sprintf("[%d/%d] ", len(parts), len(parts)))
		if need <= reserve {
			break
		}
		reserve = need
	}
	for i := range parts {
		parts[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), parts[i])
	}
	return parts
}

func split(text string, size int) []string {
	if size < 16 {
		size = 16
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= size {
			out = append(out, text)
			break
		}
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > cut/2 {
			cut = idx + 1
		}
		part := strings.TrimRight(text[:cut], "\n")
		if part != "" {
			out = append(out, part)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return out
}
