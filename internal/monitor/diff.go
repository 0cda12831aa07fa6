package monitor

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffCleanupThreshold is the diff count above which semantic and
// efficiency cleanup passes are run.
const diffCleanupThreshold = 2

// maxDiffLen caps the rendered summary so a huge payload change cannot
// flood a log line.
const maxDiffLen = 512

// PayloadDiff summarises how a payload changed as a compact line of
// "-removed" and "+added" fragments. Both payloads are indented first so
// the diff aligns on JSON fields. It returns "" when nothing changed.
func PayloadDiff(before, after json.RawMessage) string {
	a, b := indent(before), indent(after)
	if a == b {
		return ""
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(a, b, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	var sb strings.Builder

	for _, d := range diffs {
		text := strings.Join(strings.Fields(d.Text), " ")
		if text == "" {
			continue
		}

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			sb.WriteString(" -")
			sb.WriteString(text)
		case diffmatchpatch.DiffInsert:
			sb.WriteString(" +")
			sb.WriteString(text)
		case diffmatchpatch.DiffEqual:
		}
	}

	out := strings.TrimSpace(sb.String())
	if len(out) > maxDiffLen {
		out = out[:maxDiffLen] + "..."
	}

	return out
}

func indent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}

	return buf.String()
}
