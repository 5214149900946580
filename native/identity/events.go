package identity

import "encoding/hex"

// EventTypeRegistered marks a username claimed by an address.
const EventTypeRegistered = "identity.registered"

type registeredEvent struct {
	record *UsernameRecord
}

func (e registeredEvent) EventType() string { return EventTypeRegistered }

// Attributes returns the event payload as flat string pairs.
func (e registeredEvent) Attributes() map[string]string {
	if e.record == nil {
		return map[string]string{}
	}
	return map[string]string{
		"username": e.record.Username,
		"address":  hex.EncodeToString(e.record.Address[:]),
	}
}
