package action

import (
	"sort"
	"strings"
)

// Element is one node of a captured DOM chain, ordered leaf-first in the
// chain slice.
type Element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	Classes    []string
	NthChild   int
	NthOfType  int
	Attributes map[string]string
}

// ParseElements decodes the $elements property into an element chain.
// Anything that is not a list of records comes back empty; individual
// malformed entries are skipped rather than failing the whole chain.
func ParseElements(raw interface{}) []Element {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	elements := make([]Element, 0, len(list))
	for _, entry := range list {
		record, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}

		el := Element{
			TagName: strings.ToLower(asString(record["tag_name"])),
			Href:    asString(record["href"]),
			AttrID:  asString(record["attr_id"]),
		}
		if text := asString(record["$el_text"]); text != "" {
			el.Text = text
		} else {
			el.Text = asString(record["text"])
		}
		el.NthChild = asInt(record["nth_child"])
		el.NthOfType = asInt(record["nth_of_type"])

		switch classes := record["attr__class"].(type) {
		case []interface{}:
			for _, c := range classes {
				if s := asString(c); s != "" {
					el.Classes = append(el.Classes, s)
				}
			}
		case string:
			el.Classes = strings.Fields(classes)
		}

		if attrs, ok := record["attributes"].(map[string]interface{}); ok {
			el.Attributes = make(map[string]string, len(attrs))
			for k, v := range attrs {
				el.Attributes[strings.TrimPrefix(k, "attr__")] = asString(v)
			}
		}

		elements = append(elements, el)
	}
	return elements
}

func (e *Element) hasClass(class string) bool {
	for _, c := range e.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// attribute resolves a named field or attribute of the element, with the
// dedicated struct fields taking precedence over the attribute map.
func (e *Element) attribute(name string) (string, bool) {
	switch name {
	case "tag_name":
		return e.TagName, e.TagName != ""
	case "text":
		return e.Text, e.Text != ""
	case "href":
		return e.Href, e.Href != ""
	case "id", "attr_id":
		return e.AttrID, e.AttrID != ""
	case "class", "attr__class":
		if len(e.Classes) == 0 {
			return "", false
		}
		sorted := append([]string(nil), e.Classes...)
		sort.Strings(sorted)
		return strings.Join(sorted, " "), true
	}
	val, ok := e.Attributes[name]
	return val, ok
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
