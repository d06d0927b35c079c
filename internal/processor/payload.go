package processor

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/inbox-harvester/internal/graph"
)

// Envelope is the queue payload stored under email:data:{id}. The provider
// JSON rides along untouched in RawMessage; typed fields drive routing only.
type Envelope struct {
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	ReceivedAt     string          `json:"received_at"`
	HasAttachments bool            `json:"has_attachments"`
	BodyPreview    string          `json:"body_preview"`
	RawMessage     json.RawMessage `json:"raw_message"`
}

// NewEnvelope builds the queue payload from a provider message.
func NewEnvelope(m *graph.Message) *Envelope {
	return &Envelope{
		ID:             m.ID,
		Subject:        m.Subject,
		Sender:         m.Sender(),
		Recipient:      m.Recipient(),
		ReceivedAt:     m.ReceivedDateTime,
		HasAttachments: m.HasAttachments,
		BodyPreview:    m.BodyPreview,
		RawMessage:     m.Raw,
	}
}

// Encode serializes the envelope for queue storage.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("processor: encoding envelope %s: %w", e.ID, err)
	}
	return string(data), nil
}

// DecodeEnvelope parses a queue payload.
func DecodeEnvelope(payload string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("processor: decoding envelope: %w", err)
	}
	return &e, nil
}

// Metadata is the structured record emitted to the bus and staged for the
// persistence service.
type Metadata struct {
	EmailID        string `json:"email_id"`
	Subject        string `json:"subject"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	ReceivedDate   string `json:"received_date"`
	HasAttachments bool   `json:"has_attachments"`
	AttachmentName string `json:"attachment_name,omitempty"`
	Status         string `json:"status"`
}
