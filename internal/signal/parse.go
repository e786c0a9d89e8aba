package signal

import "strings"

// ParseSections splits a rendered signal document on "## " headers,
// collecting each section's non-empty trimmed lines. Lines before the
// first header are keyed under "". Parsing is strictly structural — no
// markdown library involved — so recovery tooling stays independent of the
// exact prose in each section.
func ParseSections(content string) map[string][]string {
	sections := make(map[string][]string)
	current := ""
	sections[current] = nil

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if header, ok := strings.CutPrefix(trimmed, "## "); ok {
			current = header
			if _, exists := sections[current]; !exists {
				sections[current] = nil
			}
			continue
		}
		if trimmed != "" {
			sections[current] = append(sections[current], trimmed)
		}
	}
	return sections
}

// ExtractField looks for a line shaped "- **field**: value" within lines
// and returns the value of the first match.
func ExtractField(lines []string, field string) (string, bool) {
	prefix := "- **" + field + "**: "
	for _, line := range lines {
		if val, ok := strings.CutPrefix(line, prefix); ok {
			return val, true
		}
	}
	return "", false
}

// ExtractBacktickItems extracts the backtick-wrapped value from every line
// shaped "- `value`" within lines, in order.
func ExtractBacktickItems(lines []string) []string {
	var items []string
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "- `")
		if !ok {
			continue
		}
		val, ok := strings.CutSuffix(rest, "`")
		if !ok {
			continue
		}
		items = append(items, val)
	}
	return items
}

// Record is the small typed view recovery tooling needs out of a parsed
// conflict-style signal: session/stage identity, branches, and the
// conflicting file list.
type Record struct {
	SessionID        string
	StageID          string
	SourceBranch     string
	TargetBranch     string
	ConflictingFiles []string
}

// ParseRecord extracts a Record from a rendered conflict-style signal
// (MergeResolve, BaseConflict, or MergeConflictFix).
func ParseRecord(content string) Record {
	sections := ParseSections(content)
	target := sections["Target"]
	rec := Record{}
	rec.SessionID, _ = ExtractField(target, "Session")
	rec.StageID, _ = ExtractField(target, "Stage")
	rec.SourceBranch, _ = ExtractField(target, "Source Branch")
	rec.TargetBranch, _ = ExtractField(target, "Target Branch")
	rec.ConflictingFiles = ExtractBacktickItems(sections["Conflicting Files"])
	return rec
}
