package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMessageContext() *MessageContext {
	return &MessageContext{
		ActionID:         5,
		ActionName:       "Signed Up",
		EventName:        "signup",
		DistinctID:       "user-1",
		SiteURL:          "https://app.example.com",
		EventProperties:  map[string]interface{}{"plan": "pro"},
		PersonProperties: map[string]interface{}{"email": "sam@example.com"},
	}
}

func TestFormatMessageDefaultTemplate(t *testing.T) {
	plain, rich := FormatMessage("", DialectSlack, testMessageContext())

	assert.Equal(t, "Signed Up was triggered by sam@example.com", plain)
	assert.Equal(t,
		"<https://app.example.com/action/5|Signed Up> was triggered by <https://app.example.com/person/user-1|sam@example.com>",
		rich)
}

func TestFormatMessageMarkdownDialect(t *testing.T) {
	_, rich := FormatMessage("[action.name]", DialectMarkdown, testMessageContext())
	assert.Equal(t, "[Signed Up](https://app.example.com/action/5)", rich)
}

func TestFormatMessageEventTokens(t *testing.T) {
	plain, _ := FormatMessage("[event.name] plan=[event.properties.plan]", DialectSlack, testMessageContext())
	assert.Equal(t, "signup plan=pro", plain)
}

func TestFormatMessageUserNameFallsBackToDistinctID(t *testing.T) {
	mc := testMessageContext()
	mc.PersonProperties = nil

	plain, _ := FormatMessage("[user.name]", DialectSlack, mc)
	assert.Equal(t, "user-1", plain)
}

func TestFormatMessageUnknownTokenDegrades(t *testing.T) {
	plain, rich := FormatMessage("hi [nonsense.token]", DialectSlack, testMessageContext())

	assert.Equal(t, `Error: unable to format webhook message for action "Signed Up"`, plain)
	assert.Equal(t, plain, rich)
}

func TestFormatMessageMissingPropertyDegrades(t *testing.T) {
	plain, _ := FormatMessage("[event.properties.absent]", DialectSlack, testMessageContext())
	assert.Contains(t, plain, "Signed Up")
	assert.Contains(t, plain, "Error")
}

func TestFormatMessageWithoutSiteURLStaysPlain(t *testing.T) {
	mc := testMessageContext()
	mc.SiteURL = ""

	plain, rich := FormatMessage("[action.name]", DialectSlack, mc)
	assert.Equal(t, "Signed Up", plain)
	assert.Equal(t, "Signed Up", rich)
}
