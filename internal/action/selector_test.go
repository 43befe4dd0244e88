package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chain(elements ...Element) []Element {
	return elements
}

func TestMatchSelectorDirectChild(t *testing.T) {
	buyButton := Element{TagName: "button", AttrID: "buy"}
	card := Element{TagName: "div", Classes: []string{"card"}}
	body := Element{TagName: "body"}

	assert.True(t, MatchSelector("div.card > button#buy",
		chain(buyButton, card, body)))

	// An intervening element breaks the direct-child requirement.
	assert.False(t, MatchSelector("div.card > button#buy",
		chain(buyButton, Element{TagName: "span"}, card)))
}

func TestMatchSelectorDescendant(t *testing.T) {
	leaf := Element{TagName: "button", AttrID: "buy"}
	span := Element{TagName: "span"}
	card := Element{TagName: "div", Classes: []string{"card"}}

	assert.True(t, MatchSelector("div.card button#buy", chain(leaf, span, card)))
	assert.False(t, MatchSelector("div.card button#buy", chain(leaf, span)))
}

func TestMatchSelectorParts(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		elements []Element
		want     bool
	}{
		{
			name:     "tag only",
			selector: "a",
			elements: chain(Element{TagName: "a"}),
			want:     true,
		},
		{
			name:     "class requires all",
			selector: ".btn.primary",
			elements: chain(Element{TagName: "button", Classes: []string{"btn", "primary"}}),
			want:     true,
		},
		{
			name:     "missing class",
			selector: ".btn.primary",
			elements: chain(Element{TagName: "button", Classes: []string{"btn"}}),
			want:     false,
		},
		{
			name:     "attribute value",
			selector: `a[href='/pricing']`,
			elements: chain(Element{TagName: "a", Href: "/pricing"}),
			want:     true,
		},
		{
			name:     "id via bracket syntax",
			selector: `[id='signup']`,
			elements: chain(Element{TagName: "button", AttrID: "signup"}),
			want:     true,
		},
		{
			name:     "nth-child",
			selector: "li:nth-child(3)",
			elements: chain(Element{TagName: "li", NthChild: 3}),
			want:     true,
		},
		{
			name:     "nth-child mismatch",
			selector: "li:nth-child(3)",
			elements: chain(Element{TagName: "li", NthChild: 2}),
			want:     false,
		},
		{
			name:     "wildcard tag",
			selector: "* > button",
			elements: chain(Element{TagName: "button"}, Element{TagName: "div"}),
			want:     true,
		},
		{
			name:     "custom attribute",
			selector: `button[data-test=submit]`,
			elements: chain(Element{TagName: "button", Attributes: map[string]string{"data-test": "submit"}}),
			want:     true,
		},
		{
			name:     "unparseable selector matches nothing",
			selector: "div[",
			elements: chain(Element{TagName: "div"}),
			want:     false,
		},
		{
			name:     "empty chain",
			selector: "div",
			elements: nil,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSelector(tt.selector, tt.elements))
		})
	}
}

func TestMatchSelectorAnchorsAnywhereInChain(t *testing.T) {
	// The target does not have to be the DOM leaf.
	leaf := Element{TagName: "svg"}
	button := Element{TagName: "button", Classes: []string{"cta"}}
	main := Element{TagName: "main"}

	assert.True(t, MatchSelector("main button.cta", chain(leaf, button, main)))
}
