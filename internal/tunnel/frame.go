// ABOUTME: Wire frame types for the browser tunnel protocol.
// ABOUTME: Task frames carry correlated work, control frames are fire-and-forget.

package tunnel

import "encoding/json"

// Control commands understood by the remote agent. No reply is expected.
const (
	CommandReload         = "reload"
	CommandStartCapture   = "start_capture"
	CommandSendPageSource = "send_page_source"
	CommandReconnect      = "reconnect"
)

// Message chain completion states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
)

// Attachment is a file reference carried by a chain message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// ChainMessage is one entry of the ordered message chain sent to the agent.
// Each entry references the previous one as its parent, forming a linear
// chain. The final entry of a text request has StatusPending; everything
// else is StatusSuccess.
type ChainMessage struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id,omitempty"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Position    string       `json:"position,omitempty"`
	Status      string       `json:"status"`
	Attachments []Attachment `json:"attachments"`
}

// TaskFrame is the outbound payload for one correlated request.
type TaskFrame struct {
	CorrelationID string         `json:"correlation_id"`
	TargetID      string         `json:"target_id,omitempty"`
	SessionID     string         `json:"session_id"`
	MessageID     string         `json:"message_id"`
	ImageRequest  bool           `json:"image_request,omitempty"`
	Messages      []ChainMessage `json:"messages"`
}

// ControlFrame is an out-of-band instruction to the remote agent.
type ControlFrame struct {
	Command string `json:"command"`
}

// Envelope is the inbound frame shape. Payload is a JSON string carrying a
// raw provider stream fragment, the terminal string "[DONE]", or an object
// of the form {"error": "..."}; it is decoded downstream, not here.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}
