package chat

import (
	"context"
	"log"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// SocketSource delivers inbound events over a Socket Mode WebSocket.
type SocketSource struct {
	socket    socketClient
	botUserID string
	events    chan Event
}

// SocketSourceOpts holds parameters for creating a SocketSource.
type SocketSourceOpts struct {
	BotToken  string
	AppToken  string
	BotUserID string
	// For testing: inject a mock socket client.
	Socket socketClient
}

// NewSocketSource creates a SocketSource.
func NewSocketSource(opts SocketSourceOpts) *SocketSource {
	socket := opts.Socket
	if socket == nil {
		api := slackapi.New(opts.BotToken, slackapi.OptionAppLevelToken(opts.AppToken))
		socket = &realSocketClient{client: socketmode.New(api)}
	}
	return &SocketSource{
		socket:    socket,
		botUserID: opts.BotUserID,
		events:    make(chan Event, 100),
	}
}

// Events starts the Socket Mode pump and returns the inbound event channel.
// The channel is closed when the context is cancelled.
func (s *SocketSource) Events(ctx context.Context) <-chan Event {
	go s.runWithReconnect(ctx)
	go s.pump(ctx)
	return s.events
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (s *SocketSource) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := s.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("chat: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("chat: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pump reads Socket Mode events, acks them, and converts Events API
// callbacks to normalized Events.
func (s *SocketSource) pump(ctx context.Context) {
	defer close(s.events)
	raw := s.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-raw:
			if !ok {
				return
			}
			s.handleSocketEvent(ctx, evt)
		}
	}
}

func (s *SocketSource) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		if e, ok := NormalizeEvent(apiEvent, s.botUserID); ok {
			select {
			case s.events <- e:
			case <-ctx.Done():
			}
		}

	case socketmode.EventTypeConnecting:
		log.Printf("chat: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("chat: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("chat: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("chat: server requested disconnect, will reconnect")
	}
}

// NormalizeEvent converts an Events API callback into a normalized Event.
// It filters bot self-messages, other bots, and message subtypes that carry
// no user intent (edits, deletes). Returns false when the event should be
// ignored.
func NormalizeEvent(apiEvent slackevents.EventsAPIEvent, botUserID string) (Event, bool) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return Event{}, false
	}

	eventID := ""
	if cb, ok := apiEvent.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == botUserID || ev.BotID != "" {
			return Event{}, false
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return Event{}, false
		}
		e := Event{
			ID:      eventID,
			Type:    EventMessage,
			Channel: ev.Channel,
			Thread:  threadKeyFor(ev.ThreadTimeStamp, ev.TimeStamp),
			User:    ev.User,
			Text:    ev.Text,
			TS:      ev.TimeStamp,
			SubType: ev.SubType,
		}
		for _, f := range ev.Files {
			url := f.URLPrivateDownload
			if url == "" {
				url = f.URLPrivate
			}
			e.Files = append(e.Files, FileRef{ID: f.ID, Name: f.Name, DownloadURL: url})
		}
		if len(e.Files) > 0 {
			e.Type = EventFileShared
		}
		return e, true

	case *slackevents.AppMentionEvent:
		if ev.User == botUserID {
			return Event{}, false
		}
		return Event{
			ID:      eventID,
			Type:    EventMention,
			Channel: ev.Channel,
			Thread:  threadKeyFor(ev.ThreadTimeStamp, ev.TimeStamp),
			User:    ev.User,
			Text:    ev.Text,
			TS:      ev.TimeStamp,
		}, true
	}
	return Event{}, false
}

// threadKeyFor resolves the thread key: top-level messages start a thread
// keyed by their own timestamp.
func threadKeyFor(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
