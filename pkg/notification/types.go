// Package notification contains the domain models shared by the relay's
// triggers, dispatchers and stores.
package notification

// Content is the user-visible part of a push.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Message is a transport-neutral push: visible content plus an opaque data payload.
// ChannelID is only honoured by Android clients.
type Message struct {
	Content   Content
	Data      map[string]string
	ChannelID string
}

// NotificationRequest is a per-user notification document awaiting fan-out.
type NotificationRequest struct {
	ID           string
	Notification Content
	Data         map[string]string
	Tokens       []string
	Sent         bool
}

// ContentRecord is a published content document announced to a topic.
type ContentRecord struct {
	ID       string
	Title    string
	Category string
	Content  string
}

// DeviceRegistration is an entry in the token registry, keyed by Token.
type DeviceRegistration struct {
	Token    string
	User     string
	Platform string
}

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// DocumentEvent announces the creation of a document in a collection.
type DocumentEvent struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	// Document is the full resource name, e.g.
	// projects/p/databases/(default)/documents/notifications/abc.
	Document string `json:"document,omitempty"`
}
