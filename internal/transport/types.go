package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGone reports that the artifact no longer exists. Delete callers treat it as success.
	ErrGone = errors.New("transport: artifact gone")
	// ErrChannelNotFound reports that the destination channel is unknown or unreachable.
	ErrChannelNotFound = errors.New("transport: channel not found")
)

// PollSpec describes a structured poll artifact.
type PollSpec struct {
	Question string
	Answers  []string
	Duration time.Duration

	// Anonymous hides voters. Channels only accept anonymous polls.
	Anonymous bool
}

// Content is what gets posted: either plain text or a poll.
type Content struct {
	Text string
	Poll *PollSpec
}

func (c Content) IsPoll() bool { return c.Poll != nil }

// Body returns the text a classifier sees for this content.
func (c Content) Body() string {
	if c.Poll != nil {
		return c.Poll.Question
	}
	return c.Text
}

// Handle identifies a live artifact in an external channel.
type Handle struct {
	ID          int64     `json:"id"`
	Channel     int64     `json:"channel"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsPoll      bool      `json:"is_poll,omitempty"`
}

// Entry is one item of a channel's history feed.
type Entry struct {
	Handle Handle `json:"handle"`
	Author int64  `json:"author"`
	Text   string `json:"text"`
	IsPoll bool   `json:"is_poll,omitempty"`
}

// Transport is the external messaging surface the bot acts on.
type Transport interface {
	// Identity returns the author id of artifacts this process creates.
	Identity() int64
	Send(ctx context.Context, channel int64, c Content) (Handle, error)
	// Delete returns ErrGone when the artifact is already missing.
	Delete(ctx context.Context, h Handle) error
	// History returns at most limit entries, newest first.
	History(ctx context.Context, channel int64, limit int) ([]Entry, error)
}

// ---- admin surface ----

// Message is an inbound admin message.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Update struct {
	Message *Message
}

// Inbound is implemented by transports that can receive admin commands.
type Inbound interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	// Reply sends plain text back to an admin chat, chunked by the transport.
	Reply(ctx context.Context, chatID int64, text string) error
}

// BotCommand is one command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by transports with a platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
