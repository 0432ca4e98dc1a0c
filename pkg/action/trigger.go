package action

// Trigger names a lifecycle event that hooks and declarative rules bind to.
type Trigger string

const (
	// TriggerOnCreate fires when a local action is created, before delivery.
	TriggerOnCreate Trigger = "on_create"
	// TriggerOnReceive fires when an inbound action passes verification.
	TriggerOnReceive Trigger = "on_receive"
	// TriggerOnAccept fires when a CONFIRMATION action is accepted.
	TriggerOnAccept Trigger = "on_accept"
	// TriggerOnReject fires when a CONFIRMATION action is rejected.
	TriggerOnReject Trigger = "on_reject"
)

// Valid reports whether t is one of the defined triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerOnCreate, TriggerOnReceive, TriggerOnAccept, TriggerOnReject:
		return true
	}
	return false
}
