package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackAPI abstracts the Slack Web API methods we use, enabling test mocks.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, ts string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, ts string) (string, string, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
}

// SlackClient implements Client against the Slack Web API with rate-limit
// retry on every call.
type SlackClient struct {
	api       slackAPI
	botUserID string
}

// SlackClientOpts holds parameters for creating a SlackClient.
type SlackClientOpts struct {
	BotToken string
	AppToken string // required only when the socket-mode source is attached
	// For testing: inject a mock API instead of the real client.
	API slackAPI
}

// NewSlackClient creates a SlackClient and verifies the token with an auth
// test, recording the bot's own user ID for self-message filtering.
func NewSlackClient(ctx context.Context, opts SlackClientOpts) (*SlackClient, error) {
	api := opts.API
	if api == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("chat: bot token is required")
		}
		var clientOpts []slackapi.Option
		if opts.AppToken != "" {
			clientOpts = append(clientOpts, slackapi.OptionAppLevelToken(opts.AppToken))
		}
		api = slackapi.New(opts.BotToken, clientOpts...)
	}
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: auth test: %w", err)
	}
	return &SlackClient{api: api, botUserID: auth.UserID}, nil
}

// BotUserID returns the bot's Slack user ID.
func (c *SlackClient) BotUserID() string { return c.botUserID }

// PostMessage sends text into a thread and returns the message timestamp.
func (c *SlackClient) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if thread != "" {
		options = append(options, slackapi.MsgOptionTS(thread))
	}
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = c.api.PostMessageContext(ctx, channel, options...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("chat: post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces a message's text in place.
func (c *SlackClient) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := c.api.UpdateMessageContext(ctx, channel, ts, slackapi.MsgOptionText(text, false))
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("chat: update message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (c *SlackClient) DeleteMessage(ctx context.Context, channel, ts string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, delErr := c.api.DeleteMessageContext(ctx, channel, ts)
		return delErr
	})
	if err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	return nil
}

// DownloadFile fetches a Slack-hosted file into dest. The underlying call
// sends the bot token as a bearer header, which private file URLs require.
func (c *SlackClient) DownloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("chat: download file: create dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("chat: download file: create %s: %w", dest, err)
	}
	defer f.Close()

	err = retryOnRateLimit(ctx, func() error {
		if _, seekErr := f.Seek(0, 0); seekErr != nil {
			return seekErr
		}
		if truncErr := f.Truncate(0); truncErr != nil {
			return truncErr
		}
		return c.api.GetFileContext(ctx, url, f)
	})
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("chat: download file: %w", err)
	}
	return nil
}

// UploadFile shares a local file into a thread. UploadFileV2 runs Slack's
// two-phase protocol: get-upload-url, then complete.
func (c *SlackClient) UploadFile(ctx context.Context, channel, thread, path, title string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("chat: upload file: stat %s: %w", path, err)
	}
	err = retryOnRateLimit(ctx, func() error {
		_, upErr := c.api.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
			File:            path,
			FileSize:        int(info.Size()),
			Filename:        filepath.Base(path),
			Title:           title,
			Channel:         channel,
			ThreadTimestamp: thread,
		})
		return upErr
	})
	if err != nil {
		return fmt.Errorf("chat: upload file: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, respecting the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
