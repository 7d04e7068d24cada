// Package chat bridges the bot to the Slack platform: outbound messages and
// file transfer through the Web API, inbound events through Socket Mode or
// the signed HTTP Events API.
package chat

import "context"

// EventType classifies a normalized inbound event.
type EventType string

const (
	EventMessage    EventType = "message"
	EventFileShared EventType = "file_shared"
	EventMention    EventType = "app_mention"
)

// FileRef points at a file attached to an inbound message.
type FileRef struct {
	ID          string
	Name        string
	DownloadURL string
}

// Event is a normalized inbound chat event. ID is the platform's delivery
// identifier, used for duplicate suppression; Thread is the thread timestamp
// the conversation is keyed by (the message's own timestamp for top-level
// messages).
type Event struct {
	ID      string
	Type    EventType
	Channel string
	Thread  string
	User    string
	Text    string
	TS      string
	BotID   string
	SubType string
	Files   []FileRef
}

// Client is the outbound surface of the chat platform. Implementations must
// be safe for concurrent use.
type Client interface {
	// PostMessage sends text into a thread and returns the message timestamp.
	PostMessage(ctx context.Context, channel, thread, text string) (string, error)

	// UpdateMessage replaces the text of an existing message in place.
	UpdateMessage(ctx context.Context, channel, ts, text string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channel, ts string) error

	// DownloadFile fetches a platform-hosted file (bearer-token auth) into
	// a local path.
	DownloadFile(ctx context.Context, url, dest string) error

	// UploadFile shares a local file into a thread using the platform's
	// two-phase external upload protocol.
	UploadFile(ctx context.Context, channel, thread, path, title string) error
}
