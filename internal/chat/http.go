package chat

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// HTTPSource receives Events API callbacks over signed HTTP instead of
// Socket Mode. Slack retries undelivered events, so the dispatcher's
// event-ID dedupe matters most in this mode.
type HTTPSource struct {
	signingSecret string
	botUserID     string

	mu     sync.Mutex
	closed bool
	events chan Event
}

// HTTPSourceOpts holds parameters for creating an HTTPSource.
type HTTPSourceOpts struct {
	SigningSecret string
	BotUserID     string
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(opts HTTPSourceOpts) *HTTPSource {
	return &HTTPSource{
		signingSecret: opts.SigningSecret,
		botUserID:     opts.BotUserID,
		events:        make(chan Event, 100),
	}
}

// Events returns the inbound event channel. The channel is closed when the
// context is cancelled; requests still in flight at that point are refused
// rather than racing the close.
func (h *HTTPSource) Events(ctx context.Context) <-chan Event {
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
	}()
	return h.events
}

// enqueue queues an event unless the source is shut down or the buffer is
// full. Returns false when the caller should ask Slack to redeliver.
func (h *HTTPSource) enqueue(e Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- e:
		return true
	default:
		log.Printf("chat: http source: event queue full, dropping %s", e.ID)
		return false
	}
}

// Router builds the gin engine serving the Slack events endpoint and a
// health check.
func (h *HTTPSource) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.POST("/slack/events", h.handleEvent)
	return r
}

// handleEvent verifies the request signature, answers the URL-verification
// handshake, and queues callback events.
func (h *HTTPSource) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	verifier, err := slackapi.NewSecretsVerifier(c.Request.Header, h.signingSecret)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := verifier.Ensure(); err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	apiEvent, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, challenge.Challenge)

	case slackevents.CallbackEvent:
		if e, ok := NormalizeEvent(apiEvent, h.botUserID); ok {
			if !h.enqueue(e) {
				// Non-2xx makes Slack retry the delivery later.
				c.Status(http.StatusServiceUnavailable)
				return
			}
		}
		c.Status(http.StatusOK)

	default:
		c.Status(http.StatusOK)
	}
}
