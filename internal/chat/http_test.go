package chat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// signedRequest builds a Slack-signed POST to the events endpoint.
func signedRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestHTTPSourceURLVerification(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	body := `{"type":"url_verification","challenge":"ch4ll3nge"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, signingSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "ch4ll3nge" {
		t.Errorf("body = %q, want the challenge echoed back", got)
	}
}

func TestHTTPSourceRejectsBadSignature(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	body := `{"type":"url_verification","challenge":"x"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, "wrong-secret", body))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHTTPSourceRejectsMissingHeaders(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Errorf("status = %d, unsigned request must not pass", rec.Code)
	}
}

func TestHTTPSourceQueuesCallbackEvents(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := source.Events(ctx)

	body := `{"type":"event_callback","event_id":"Ev9","event":{"type":"message","channel":"C1","user":"U2","text":"hello","ts":"100.1"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, signingSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	select {
	case e := <-events:
		if e.ID != "Ev9" || e.Channel != "C1" || e.Text != "hello" || e.Thread != "100.1" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback event was not queued")
	}
}

func TestHTTPSourceRefusesEventsAfterShutdown(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	ctx, cancel := context.WithCancel(context.Background())
	events := source.Events(ctx)
	cancel()

	// Wait for the source to observe the cancellation and close the channel.
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected a closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after cancel")
	}

	// A delivery still in flight must be refused, not panic on the closed
	// channel.
	body := `{"type":"event_callback","event_id":"EvLate","event":{"type":"message","channel":"C1","user":"U2","text":"late","ts":"200.2"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, signingSecret, body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so the platform retries", rec.Code)
	}
}

func TestHTTPSourceHealthz(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOpts{SigningSecret: signingSecret, BotUserID: botUserID})
	router := source.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
