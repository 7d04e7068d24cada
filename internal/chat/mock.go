package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MockClient implements Client for testing. It records every outbound call
// and can serve canned file content for downloads.
type MockClient struct {
	mu       sync.Mutex
	posted   []MockMessage
	updated  []MockMessage
	deleted  []string
	uploads  []string
	files    map[string][]byte // download URL → content
	tsSeq    int
	PostErr  error // returned by PostMessage when set
	download error
}

// MockMessage records one posted or updated message.
type MockMessage struct {
	Channel string
	Thread  string
	TS      string
	Text    string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{files: make(map[string][]byte)}
}

// SetFile registers canned content for a download URL.
func (m *MockClient) SetFile(url string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = content
}

// SetDownloadErr makes DownloadFile fail.
func (m *MockClient) SetDownloadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.download = err
}

// PostMessage records the message and returns a synthetic timestamp.
func (m *MockClient) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PostErr != nil {
		return "", m.PostErr
	}
	m.tsSeq++
	ts := fmt.Sprintf("100%d.000", m.tsSeq)
	m.posted = append(m.posted, MockMessage{Channel: channel, Thread: thread, TS: ts, Text: text})
	return ts, nil
}

// UpdateMessage records the update.
func (m *MockClient) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, MockMessage{Channel: channel, TS: ts, Text: text})
	return nil
}

// DeleteMessage records the deletion.
func (m *MockClient) DeleteMessage(ctx context.Context, channel, ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ts)
	return nil
}

// DownloadFile writes canned content for the URL to dest.
func (m *MockClient) DownloadFile(ctx context.Context, url, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.download != nil {
		return m.download
	}
	content, ok := m.files[url]
	if !ok {
		return fmt.Errorf("mock chat: no file registered for %s", url)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, content, 0o644)
}

// UploadFile records the upload path.
func (m *MockClient) UploadFile(ctx context.Context, channel, thread, path, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, path)
	return nil
}

// Posted returns a copy of all posted messages.
func (m *MockClient) Posted() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.posted))
	copy(out, m.posted)
	return out
}

// LastPosted returns the most recent posted message, or false when none.
func (m *MockClient) LastPosted() (MockMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.posted) == 0 {
		return MockMessage{}, false
	}
	return m.posted[len(m.posted)-1], true
}

// Updated returns a copy of all message updates.
func (m *MockClient) Updated() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.updated))
	copy(out, m.updated)
	return out
}

// Uploads returns the recorded upload paths.
func (m *MockClient) Uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.uploads))
	copy(out, m.uploads)
	return out
}
