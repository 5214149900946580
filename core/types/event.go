package types

// Event is the generic representation of a state change surfaced to RPC
// consumers and the gateway webhook pipeline.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
