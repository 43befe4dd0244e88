package hook

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"pulse/internal/constants"
)

// Dialect selects the link syntax of the rich rendering.
type Dialect string

const (
	DialectSlack    Dialect = "slack"
	DialectMarkdown Dialect = "markdown"
)

// MessageContext carries everything token substitution can reference.
type MessageContext struct {
	ActionID         int64
	ActionName       string
	EventName        string
	DistinctID       string
	SiteURL          string
	EventProperties  map[string]interface{}
	PersonProperties map[string]interface{}
}

var tokenPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// FormatMessage substitutes bracketed tokens ([action.name], [user.name],
// [event.name], [event.properties.X]) into the tenant's template, returning
// a plain-text and a link-rich rendering. Any unknown token degrades the
// whole message to a generic error naming the action instead of failing.
func FormatMessage(format string, dialect Dialect, mc *MessageContext) (string, string) {
	if format == "" {
		format = constants.DefaultSlackMessageFormat
	}

	failed := false
	substitute := func(rich bool) string {
		return tokenPattern.ReplaceAllStringFunc(format, func(match string) string {
			token := match[1 : len(match)-1]
			val, ok := resolveToken(token, rich, dialect, mc)
			if !ok {
				failed = true
				return match
			}
			return val
		})
	}

	plain := substitute(false)
	richText := substitute(true)
	if failed {
		msg := fmt.Sprintf("Error: unable to format webhook message for action \"%s\"", mc.ActionName)
		return msg, msg
	}
	return plain, richText
}

func resolveToken(token string, rich bool, dialect Dialect, mc *MessageContext) (string, bool) {
	switch {
	case token == "action.name":
		if rich && mc.SiteURL != "" {
			target := mc.SiteURL + "/action/" + strconv.FormatInt(mc.ActionID, 10)
			return renderLink(dialect, mc.ActionName, target), true
		}
		return mc.ActionName, true

	case token == "user.name":
		name := mc.DistinctID
		if email, ok := mc.PersonProperties["email"].(string); ok && email != "" {
			name = email
		}
		if rich && mc.SiteURL != "" {
			target := mc.SiteURL + "/person/" + url.PathEscape(mc.DistinctID)
			return renderLink(dialect, name, target), true
		}
		return name, true

	case token == "event.name":
		return mc.EventName, true

	case strings.HasPrefix(token, "event.properties."):
		key := strings.TrimPrefix(token, "event.properties.")
		val, ok := mc.EventProperties[key]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%v", val), true
	}
	return "", false
}

func renderLink(dialect Dialect, text, target string) string {
	if dialect == DialectSlack {
		return "<" + target + "|" + text + ">"
	}
	return "[" + text + "](" + target + ")"
}
