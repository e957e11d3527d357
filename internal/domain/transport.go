package domain

import "context"

// Transport is the messaging side of the pipeline. Channels implement it.
type Transport interface {
	Name() string
	Chat(ctx context.Context, msg Message) (Chat, error)
	// FetchRecentMessages returns up to limit messages, oldest first.
	FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	// QuotedMessage returns nil, nil when msg is not a reply.
	QuotedMessage(ctx context.Context, msg Message) (*Message, error)
	// MessageByID returns ErrNotFound when the id is unknown.
	MessageByID(ctx context.Context, chatID, id string) (*Message, error)
	DownloadMedia(ctx context.Context, msg Message) (*MediaPayload, error)
	Reply(ctx context.Context, msg Message, text string) error
	SenderDisplayName(ctx context.Context, msg Message) (string, error)
}

// Channel is a transport with a connection lifecycle.
type Channel interface {
	Transport
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// MessageBus routes inbound messages from channels to the pipeline.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
