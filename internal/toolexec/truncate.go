package toolexec

import (
	"fmt"
	"os"
	"strings"
)

// ClipResult is the outcome of a head+tail truncation.
type ClipResult struct {
	Text        string
	Truncated   bool
	HiddenCount int
	TempFile    string // absolute path to the full untruncated content, if written
}

// ClipByLines returns all lines verbatim when total ≤ prefix+suffix;
// otherwise the first prefix lines concatenated with the last suffix lines,
// with a marker noting the hidden count, per spec §8's clip_by_lines law.
func ClipByLines(content string, prefix, suffix int) ClipResult {
	lines := strings.Split(content, "\n")
	total := len(lines)
	if total <= prefix+suffix {
		return ClipResult{Text: content}
	}

	head := lines[:prefix]
	tail := lines[total-suffix:]
	hidden := total - prefix - suffix

	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	fmt.Fprintf(&b, "\n... [%d lines truncated] ...\n", hidden)
	b.WriteString(strings.Join(tail, "\n"))

	tempFile, err := writeFullContent(content)
	result := ClipResult{Text: b.String(), Truncated: true, HiddenCount: hidden}
	if err == nil {
		result.TempFile = tempFile
	}
	return result
}

// ResolveRange returns (a, b) satisfying 1 ≤ a ≤ b and b-a+1 ≤ max, per
// spec §8's resolve_range law: swaps when start>end, defaults start=1,
// defaults end=start+max-1.
func ResolveRange(start, end, max int) (int, int) {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = start + max - 1
	}
	if start > end {
		start, end = end, start
	}
	if end-start+1 > max {
		end = start + max - 1
	}
	if start < 1 {
		start = 1
	}
	return start, end
}

func writeFullContent(content string) (string, error) {
	f, err := os.CreateTemp("", "forge-truncated-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}
