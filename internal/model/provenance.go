package model

// Provenance classifies who authored a message or performed an action,
// relative to the organization tracking the conversation.
type Provenance string

const (
	ProvenanceUnknown Provenance = "Unknown"
	ProvenanceBot     Provenance = "Bot"
	ProvenanceHome    Provenance = "Home"
	ProvenanceGuest   Provenance = "Guest"
	ProvenanceForeign Provenance = "Foreign"
)

// IsExternal reports whether the actor should be treated as the customer side.
func (p Provenance) IsExternal() bool {
	switch p {
	case ProvenanceForeign, ProvenanceGuest, ProvenanceUnknown:
		return true
	}
	return false
}
