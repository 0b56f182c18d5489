// Package notify carries the events core operations want delivered to users
// and publishes them to the push gateway over NATS.
package notify

// Notification types.
const (
	TypeChatEnded        = "chat_ended"
	TypeReturnedToQueue  = "returned_to_queue"
	TypeUnmatched        = "unmatched"
	TypeUnmatchConfirmed = "unmatch_confirmed"
	TypeMatchFound       = "match_found"
	TypeChatMessage      = "chat_message"
)

// Notification is one event addressed to one user.
type Notification struct {
	Recipient string
	Type      string
	Payload   map[string]any
}

// New builds a Notification.
func New(recipient, typ string, payload map[string]any) Notification {
	return Notification{Recipient: recipient, Type: typ, Payload: payload}
}
