package sandbox

import (
	"strings"

	"pulse/internal/constants"
)

const hookMarker = "// hook:"

// SplitHooks splits normalized plugin source into per-hook sections. A line
// of the form "// hook:<name>" starts the section for that hook; everything
// before the first marker, or an entirely unmarked file, belongs to
// processEvent. Empty sections are dropped.
func SplitHooks(source string) map[string]string {
	sections := make(map[string][]string)
	current := constants.HookProcessEvent

	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, hookMarker) {
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, hookMarker))
			if name != "" {
				current = name
				continue
			}
		}
		sections[current] = append(sections[current], line)
	}

	out := make(map[string]string, len(sections))
	for name, lines := range sections {
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		if text != "" {
			out[name] = text
		}
	}
	return out
}
