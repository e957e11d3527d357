package domain

import "time"

// MessageKind classifies the payload of a chat message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindOther    MessageKind = "other"
)

// Metadata keys a transport may set on Message.Metadata.
const (
	MetaQuotedTimestamp = "quoted_timestamp" // unix seconds or RFC3339
	MetaQuotedSender    = "quoted_sender"
)

// Message is a transport message as seen by the pipeline. It is read-only
// once handed over by a channel.
type Message struct {
	ID         string
	ChatID     string
	Sender     string
	SenderName string // push name, may be empty
	Body       string
	Timestamp  time.Time // zero when the transport did not provide one
	Kind       MessageKind
	HasMedia   bool
	Media      *MediaPayload // inline payload, when the transport already has it
	FileName   string        // documents only
	FromSelf   bool
	QuotedID   string
	Quoted     *Message
	Metadata   map[string]string
}

// HasTimestamp reports whether the transport supplied a timestamp.
func (m Message) HasTimestamp() bool { return !m.Timestamp.IsZero() }

// MediaPayload is downloaded media content.
type MediaPayload struct {
	Data     []byte
	MimeType string
	Filename string
}

// Chat describes the conversation a message belongs to.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
}

// InboundMessage is what channels publish on the bus.
type InboundMessage struct {
	Channel string
	Message Message
}
