package domain

// Push event names consumed by the dashboard.
const (
	EventLeadNew        = "lead:new"
	EventLeadUpdated    = "lead:updated"
	EventLeadUnassigned = "lead:unassigned"
	EventCallerUpdated  = "caller:updated"
)

// Event is a push notification carrying a full record, never a delta.
// Consumers apply events last-write-wins by record id.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}
