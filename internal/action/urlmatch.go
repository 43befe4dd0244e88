package action

import (
	"regexp"
	"strings"
)

// MatchURL evaluates a step's URL constraint against the event's current
// URL. Regex uses Go's RE2 engine, so tenant-supplied patterns cannot
// trigger catastrophic backtracking; a pattern that fails to compile simply
// does not match.
func MatchURL(matching URLMatching, pattern, current string) bool {
	switch matching {
	case URLExact:
		return current == pattern
	case URLRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(current)
	case URLContains, "":
		re, err := regexp.Compile(likeToRegex(pattern))
		if err != nil {
			return false
		}
		return re.MatchString(current)
	}
	return false
}

// likeToRegex converts SQL-LIKE wildcards to a regex: % matches any run,
// _ matches a single character, everything else is literal.
func likeToRegex(pattern string) string {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, "%", ".*")
	quoted = strings.ReplaceAll(quoted, "_", ".")
	return quoted
}
