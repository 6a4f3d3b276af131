package slack

import (
	"errors"
	"fmt"
)

// Message is a channel message or thread reply as returned by the
// conversations.* endpoints. IsReply and ParentID are set locally once a
// message is known to come from a thread's replies.
type Message struct {
	ID         string `json:"ts"`
	Text       string `json:"text"`
	User       string `json:"user,omitempty"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`

	IsReply  bool   `json:"-"`
	ParentID string `json:"-"`
}

// IsThreadRoot reports whether replies should be fetched for m.
func (m Message) IsThreadRoot() bool {
	return m.ThreadTS != "" || m.ReplyCount > 0
}

// ThreadRootID is the ts of the thread m belongs to, or m's own ts.
func (m Message) ThreadRootID() string {
	if m.ThreadTS != "" {
		return m.ThreadTS
	}
	return m.ID
}

type ResponseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

// HistoryResponse covers both conversations.history and
// conversations.replies.
type HistoryResponse struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error,omitempty"`
	Messages         []Message        `json:"messages"`
	HasMore          bool             `json:"has_more"`
	ResponseMetadata ResponseMetadata `json:"response_metadata"`
}

// Page is one successfully decoded history page. An empty NextCursor ends
// pagination.
type Page struct {
	Messages   []Message
	NextCursor string
}

// ErrRetriesExhausted is returned once every attempt of a request failed.
var ErrRetriesExhausted = errors.New("slack: maximum retries exceeded")

// APIError is an `ok: false` answer from the Web API.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = "unknown_error"
	}
	return fmt.Sprintf("slack API error from %s: %s", e.Method, code)
}

// PartialDataError reports that pagination stopped before the last page.
// Messages holds everything fetched up to that point.
type PartialDataError struct {
	Messages []Message
	Err      error
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("history incomplete after %d messages: %v", len(e.Messages), e.Err)
}

func (e *PartialDataError) Unwrap() error { return e.Err }
