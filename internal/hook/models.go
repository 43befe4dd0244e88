package hook

// Hook is a registered outbound REST callback. ResourceID narrows the hook
// to one action; nil fires it for every matched action of the tenant.
type Hook struct {
	ID         string `json:"id"`
	TenantID   int64  `json:"tenant_id"`
	Event      string `json:"event"`
	ResourceID *int64 `json:"resource_id"`
	Target     string `json:"target"`
}

// EventHookPerformed is the only hook event the pipeline fires today.
const EventHookPerformed = "action_performed"
