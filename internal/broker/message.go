// ABOUTME: OpenAI-style request wire types accepted by the chat endpoint.
// ABOUTME: Message content may be a plain string or a multimodal part array.

package broker

import (
	"encoding/json"
	"errors"
)

// ChatRequest is the decoded body of a chat completion call. Fields the
// bridge does not influence (temperature, penalties, tool definitions) are
// ignored rather than rejected.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`

	// N is the image fan-out count for image-type models. Ignored for text.
	N int `json:"n"`
}

// Message is one entry of the caller's conversation history.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ContentImage `json:"image_url,omitempty"`
}

// ContentImage carries an image reference: an http URL or a base64 data
// URI. Detail doubles as an optional original filename, which some clients
// send there.
type ContentImage struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent accepts either a plain string or a multimodal part array.
// Exactly one of Text and Parts is populated.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.New("message content must be a string or a content part array")
	}
	c.Parts = parts
	return nil
}
