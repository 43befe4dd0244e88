package tenant

import "time"

// Tenant is one isolated customer scope. Most rows in the system hang off a
// tenant id.
type Tenant struct {
	ID                   int64
	Name                 string
	APIToken             string
	SlackIncomingWebhook string
	SlackMessageFormat   string
	HooksEnabled         bool
	CreatedAt            time.Time
}
