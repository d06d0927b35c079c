package graph

import "encoding/json"

// Message is an unread message as returned by the provider. Raw retains the
// provider JSON untouched for downstream persistence; typed fields exist for
// routing decisions only.
type Message struct {
	ID               string       `json:"id"`
	Subject          string       `json:"subject"`
	From             Recipient    `json:"from"`
	ToRecipients     []Recipient  `json:"toRecipients"`
	ReceivedDateTime string       `json:"receivedDateTime"`
	HasAttachments   bool         `json:"hasAttachments"`
	BodyPreview      string       `json:"bodyPreview"`
	IsRead           bool         `json:"isRead"`

	Raw json.RawMessage `json:"-"`
}

// Recipient holds a display name and address pair.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is the provider's address object.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Sender returns the from address, empty when absent.
func (m *Message) Sender() string {
	return m.From.EmailAddress.Address
}

// Recipient returns the first to address, empty when absent.
func (m *Message) Recipient() string {
	if len(m.ToRecipients) == 0 {
		return ""
	}
	return m.ToRecipients[0].EmailAddress.Address
}

// messagePage is a paginated list response.
type messagePage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// Page holds one page of unread messages plus the continuation URL.
type Page struct {
	Messages []*Message
	NextLink string
}

// Attachment is a provider attachment entry. Only file attachments carry
// ContentBytes (base64).
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// IsFile reports whether the attachment is a downloadable file attachment.
func (a *Attachment) IsFile() bool {
	return a.ODataType == "#microsoft.graph.fileAttachment"
}

// Subscription is a change-notification subscription record.
type Subscription struct {
	ID                 string `json:"id"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState"`
}
