package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"slack-monthly-archiver/internal/clock"
	"slack-monthly-archiver/internal/metrics"
)

const (
	pageLimit = 100

	// DefaultPageDelay is waited before every history page after the first.
	DefaultPageDelay = 3 * time.Second
)

// Requester is satisfied by *RetryingClient.
type Requester interface {
	Request(ctx context.Context, method, rawURL string, headers http.Header, params url.Values) (json.RawMessage, error)
}

// Fetcher reads a channel's history and thread replies.
type Fetcher struct {
	api       Requester
	baseURL   string
	token     string
	clock     clock.Clock
	logger    *zap.Logger
	pageDelay time.Duration
}

func NewFetcher(api Requester, baseURL, token string, clk clock.Clock, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		api:       api,
		baseURL:   baseURL,
		token:     token,
		clock:     clk,
		logger:    logger,
		pageDelay: DefaultPageDelay,
	}
}

// FetchHistory returns every message posted in [oldest, latest), in the
// order the API returned them. When a page cannot be fetched the messages
// gathered so far are returned together with a *PartialDataError.
func (f *Fetcher) FetchHistory(ctx context.Context, channelID string, oldest, latest time.Time) ([]Message, error) {
	var all []Message
	cursor := ""

	for pageNum := 1; ; pageNum++ {
		page, err := f.historyPage(ctx, channelID, oldest, latest, cursor)
		if err != nil {
			f.logger.Error("failed to fetch history page",
				zap.String("channel", channelID),
				zap.Int("page", pageNum),
				zap.String("cursor", cursor),
				zap.Int("fetched", len(all)),
				zap.Error(err))
			return all, &PartialDataError{Messages: all, Err: err}
		}

		all = append(all, page.Messages...)
		metrics.MessagesFetchedTotal.WithLabelValues("history").Add(float64(len(page.Messages)))
		f.logger.Debug("history page fetched",
			zap.Int("page", pageNum), zap.Int("messages", len(page.Messages)))

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor

		if err := f.clock.Sleep(ctx, f.pageDelay); err != nil {
			return all, &PartialDataError{Messages: all, Err: err}
		}
	}

	f.logger.Info("channel history fetched",
		zap.String("channel", channelID), zap.Int("messages", len(all)))
	return all, nil
}

func (f *Fetcher) historyPage(ctx context.Context, channelID string, oldest, latest time.Time, cursor string) (Page, error) {
	params := url.Values{
		"channel": {channelID},
		"limit":   {strconv.Itoa(pageLimit)},
		"oldest":  {strconv.FormatInt(oldest.Unix(), 10)},
		"latest":  {strconv.FormatInt(latest.Unix(), 10)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	resp, err := f.call(ctx, "conversations.history", params)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: resp.Messages, NextCursor: resp.ResponseMetadata.NextCursor}, nil
}

// FetchThreadReplies returns the replies of one thread without the root
// message the API echoes back. A failed call yields an empty slice and the
// error.
func (f *Fetcher) FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]Message, error) {
	params := url.Values{
		"channel": {channelID},
		"ts":      {threadTS},
		"limit":   {strconv.Itoa(pageLimit)},
	}

	resp, err := f.call(ctx, "conversations.replies", params)
	if err != nil {
		f.logger.Warn("failed to fetch thread replies",
			zap.String("channel", channelID), zap.String("thread_ts", threadTS), zap.Error(err))
		return []Message{}, err
	}

	replies := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.ID == threadTS {
			continue
		}
		replies = append(replies, m)
	}
	metrics.MessagesFetchedTotal.WithLabelValues("reply").Add(float64(len(replies)))
	return replies, nil
}

func (f *Fetcher) call(ctx context.Context, method string, params url.Values) (*HistoryResponse, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+f.token)

	body, err := f.api.Request(ctx, http.MethodGet, f.baseURL+"/"+method, headers, params)
	if err != nil {
		return nil, err
	}

	var resp HistoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !resp.OK {
		return nil, &APIError{Method: method, Code: resp.Error}
	}
	return &resp, nil
}
