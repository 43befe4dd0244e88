package action

import (
	"strconv"
	"strings"
)

// selectorPart is one parsed segment of a descendant selector. When
// directDescendant is set, this part's element must be the immediate child
// of the next (outer) part's element.
type selectorPart struct {
	tag              string
	id               string
	classes          []string
	nthChild         int
	nthOfType        int
	attributes       map[string]string
	directDescendant bool
}

// MatchSelector reports whether the element chain satisfies a simplified
// CSS descendant selector (tag, .class, #id, [attr=val], :nth-child/
// :nth-of-type, > for direct children). The chain is ordered leaf-first;
// matching walks outward from the leaf. An unparseable selector matches
// nothing.
func MatchSelector(selector string, elements []Element) bool {
	parts := parseSelector(selector)
	if len(parts) == 0 || len(elements) == 0 {
		return false
	}

	// Reverse to innermost-first so parts align with the leaf-first chain.
	reversed := make([]selectorPart, len(parts))
	for i, p := range parts {
		reversed[len(parts)-1-i] = p
	}
	return matchParts(reversed, elements, 0, 0, false)
}

// matchParts tries to place part pi at or after element ei. With exact set,
// only elements[ei] may satisfy the part (a direct-child requirement from
// the inner part); otherwise any outer ancestor may.
func matchParts(parts []selectorPart, elements []Element, pi, ei int, exact bool) bool {
	if pi == len(parts) {
		return true
	}
	if ei >= len(elements) {
		return false
	}

	if exact {
		if !partMatches(&parts[pi], &elements[ei]) {
			return false
		}
		return matchParts(parts, elements, pi+1, ei+1, parts[pi].directDescendant)
	}

	for i := ei; i < len(elements); i++ {
		if partMatches(&parts[pi], &elements[i]) &&
			matchParts(parts, elements, pi+1, i+1, parts[pi].directDescendant) {
			return true
		}
	}
	return false
}

// partMatches requires every configured field of the part to hold at once.
func partMatches(p *selectorPart, el *Element) bool {
	if p.tag != "" && p.tag != "*" && p.tag != el.TagName {
		return false
	}
	if p.id != "" && p.id != el.AttrID {
		return false
	}
	for _, class := range p.classes {
		if !el.hasClass(class) {
			return false
		}
	}
	if p.nthChild > 0 && p.nthChild != el.NthChild {
		return false
	}
	if p.nthOfType > 0 && p.nthOfType != el.NthOfType {
		return false
	}
	for name, want := range p.attributes {
		got, ok := el.attribute(name)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func parseSelector(selector string) []selectorPart {
	var parts []selectorPart
	direct := false

	for _, token := range strings.Fields(selector) {
		if token == ">" {
			direct = true
			continue
		}
		part, ok := parseSelectorPart(token)
		if !ok {
			return nil
		}
		part.directDescendant = direct
		direct = false
		parts = append(parts, part)
	}
	return parts
}

func parseSelectorPart(token string) (selectorPart, bool) {
	part := selectorPart{attributes: make(map[string]string)}
	rest := token

	cut := strings.IndexAny(rest, ".#[:")
	if cut < 0 {
		part.tag = strings.ToLower(rest)
		return part, rest != ""
	}
	part.tag = strings.ToLower(rest[:cut])
	rest = rest[cut:]

	for rest != "" {
		switch rest[0] {
		case '.':
			end := nextDelimiter(rest[1:])
			if end == 0 {
				return part, false
			}
			part.classes = append(part.classes, rest[1:1+end])
			rest = rest[1+end:]
		case '#':
			end := nextDelimiter(rest[1:])
			if end == 0 {
				return part, false
			}
			part.id = rest[1 : 1+end]
			rest = rest[1+end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return part, false
			}
			body := rest[1:end]
			eq := strings.IndexByte(body, '=')
			if eq < 0 {
				return part, false
			}
			name := body[:eq]
			value := strings.Trim(body[eq+1:], `'"`)
			if name == "id" {
				part.id = value
			} else {
				part.attributes[name] = value
			}
			rest = rest[end+1:]
		case ':':
			open := strings.IndexByte(rest, '(')
			end := strings.IndexByte(rest, ')')
			if open < 0 || end < open {
				return part, false
			}
			n, err := strconv.Atoi(rest[open+1 : end])
			if err != nil {
				return part, false
			}
			switch rest[1:open] {
			case "nth-child":
				part.nthChild = n
			case "nth-of-type":
				part.nthOfType = n
			default:
				return part, false
			}
			rest = rest[end+1:]
		default:
			return part, false
		}
	}
	return part, true
}

// nextDelimiter returns the length of the run before the next selector
// delimiter.
func nextDelimiter(s string) int {
	if i := strings.IndexAny(s, ".#[:"); i >= 0 {
		return i
	}
	return len(s)
}
