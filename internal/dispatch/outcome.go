// Package dispatch implements the readiness-gated message dispatch
// coordinator: it gates on session state, paces sends, and classifies
// transport failures into actionable outcomes.
package dispatch

// Kind classifies the result of a dispatch attempt.
type Kind int

const (
	KindSent Kind = iota
	KindRecipientInvalid
	KindRecipientUnregistered
	KindTransportFaulted
	KindUnknown
)

// String returns the string representation of the outcome kind.
func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindRecipientInvalid:
		return "recipient_invalid"
	case KindRecipientUnregistered:
		return "recipient_unregistered"
	case KindTransportFaulted:
		return "transport_faulted"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a single dispatch attempt. Exactly one is
// produced per attempt; the coordinator never retries.
type Outcome struct {
	Kind      Kind
	MessageID string // set when Kind == KindSent
	Detail    string // raw failure text for non-sent outcomes
}
