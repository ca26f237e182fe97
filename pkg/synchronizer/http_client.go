package synchronizer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// EventSource opens a bot's message_created feed, resuming after since.
type EventSource interface {
	Open(ctx context.Context, botID string, since conversation.Cursor) (io.ReadCloser, error)
}

// HistoryPage is one page of older messages, ascending by created_at.
type HistoryPage struct {
	Messages []conversation.Message `json:"messages"`
	HasMore  bool                   `json:"has_more"`
}

// HistoryFetcher pages through a bot's message log.
type HistoryFetcher interface {
	FetchBefore(ctx context.Context, botID string, before time.Time, limit int) (HistoryPage, error)
}

// TurnBody is the request body of a bot-scoped turn.
type TurnBody struct {
	Query          string   `json:"query"`
	CurrentChannel string   `json:"current_channel,omitempty"`
	Channels       []string `json:"channels,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// HTTPClient talks to a memoh server. It implements EventSource and
// HistoryFetcher and opens turn streams for TurnClient.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	header http.Header
}

// NewHTTPClient builds a client for baseURL. The http.Client must not set a
// Timeout since feeds stay open indefinitely; nil uses a fresh client.
func NewHTTPClient(baseURL string, client *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("server base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("server url %q must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{base: u, client: client, header: http.Header{}}, nil
}

// SetHeader adds a header sent with every request, e.g. Authorization.
func (c *HTTPClient) SetHeader(key, value string) {
	if c == nil {
		return
	}
	c.header.Set(key, value)
}

func (c *HTTPClient) endpoint(botID string, suffix string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/bots/" + url.PathEscape(botID) + "/messages" + suffix
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *HTTPClient) do(req *http.Request, op string) (*http.Response, error) {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: responseError(resp.Body)}
	}
	return resp, nil
}

func responseError(r io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return errors.New(s)
	}
	return nil
}

func (c *HTTPClient) Open(ctx context.Context, botID string, since conversation.Cursor) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("http client is nil")
	}
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", string(since))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(botID, "/events", q), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build event feed request")
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(req, "open event feed")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *HTTPClient) FetchBefore(ctx context.Context, botID string, before time.Time, limit int) (HistoryPage, error) {
	if c == nil {
		return HistoryPage{}, errors.New("http client is nil")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", string(conversation.CursorAt(before)))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(botID, "", q), nil)
	if err != nil {
		return HistoryPage{}, errors.Wrap(err, "build history request")
	}
	resp, err := c.do(req, "fetch history")
	if err != nil {
		return HistoryPage{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var page HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return HistoryPage{}, &TransportError{Op: "fetch history", Err: errors.Wrap(err, "decode page")}
	}
	return page, nil
}

// StreamTurn submits a turn and returns the record stream.
func (c *HTTPClient) StreamTurn(ctx context.Context, botID string, body TurnBody) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("http client is nil")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal turn body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(botID, "/stream", nil), bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "build turn request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if body.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", body.IdempotencyKey)
	}
	resp, err := c.do(req, "stream turn")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
