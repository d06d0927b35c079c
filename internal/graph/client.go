// Package graph is the client for the hosted mail provider: unread-message
// enumeration, read-marking, junk moves, attachments and change-notification
// subscriptions, all bearer-authenticated and rate-limit gated.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/inbox-harvester/internal/pkg/httpretry"
)

// Channel is the rate-limit channel for provider calls.
const Channel = "graph_api"

// ErrCursorExpired marks a continuation URL the provider no longer honors.
var ErrCursorExpired = errors.New("graph: pagination cursor expired")

// ErrNotFound marks a 404 on a specific resource.
var ErrNotFound = errors.New("graph: resource not found")

// Limiter gates outgoing calls. Satisfied by ratelimit.Governor.
type Limiter interface {
	Acquire(ctx context.Context, channel string) error
}

// TokenSource supplies bearer tokens. Satisfied by TokenProvider.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client is the provider API client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	limiter    Limiter
	httpClient httpretry.HTTPDoer
}

// NewClient creates a provider client. A nil limiter disables gating (tests).
func NewClient(baseURL string, tokens TokenSource, limiter Limiter, timeout time.Duration, policy httpretry.Policy) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		limiter: limiter,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, policy),
	}
}

// doRequest issues an authenticated request and returns the response body.
// Status handling: 2xx returns the body; 404 and 410 map to sentinels;
// anything else is an API error carrying the body text.
func (c *Client) doRequest(ctx context.Context, method, rawURL string, payload interface{}) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, Channel); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("graph: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrCursorExpired, rawURL)
	default:
		return nil, fmt.Errorf("graph: API error (status %d): %s", resp.StatusCode, string(data))
	}
}

// ListUnread fetches the first page of unread inbox messages, newest first.
func (c *Client) ListUnread(ctx context.Context, pageSize int) (*Page, error) {
	params := url.Values{}
	params.Set("$filter", "isRead eq false")
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$top", fmt.Sprintf("%d", pageSize))
	return c.getPage(ctx, c.baseURL+"/me/mailFolders/Inbox/messages?"+params.Encode())
}

// FetchPage fetches a message page from a continuation link. An expired
// continuation URL surfaces as ErrCursorExpired (the provider answers 404
// or 410). A 404 on the first page is a real ErrNotFound and goes through
// ListUnread, not here.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	page, err := c.getPage(ctx, pageURL)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCursorExpired, pageURL)
	}
	return page, err
}

func (c *Client) getPage(ctx context.Context, pageURL string) (*Page, error) {
	data, err := c.doRequest(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}

	var page messagePage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("graph: decoding page: %w", err)
	}

	out := &Page{NextLink: page.NextLink}
	for _, raw := range page.Value {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("graph: decoding message: %w", err)
		}
		m.Raw = raw
		out.Messages = append(out.Messages, &m)
	}
	return out, nil
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/me/messages/"+id, nil)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("graph: decoding message %s: %w", id, err)
	}
	m.Raw = data
	return &m, nil
}

// MarkRead flags one message as read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPatch, c.baseURL+"/me/messages/"+id,
		map[string]bool{"isRead": true})
	return err
}

// batchRequest is one entry of a provider $batch call.
type batchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    interface{}       `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchMarkRead flags up to 20 messages read per $batch call. Best effort;
// the first transport-level failure aborts remaining batches.
func (c *Client) BatchMarkRead(ctx context.Context, ids []string) error {
	const batchLimit = 20
	for start := 0; start < len(ids); start += batchLimit {
		end := start + batchLimit
		if end > len(ids) {
			end = len(ids)
		}
		reqs := make([]batchRequest, 0, end-start)
		for i, id := range ids[start:end] {
			reqs = append(reqs, batchRequest{
				ID:      fmt.Sprintf("%d", i+1),
				Method:  http.MethodPatch,
				URL:     "/me/messages/" + id,
				Body:    map[string]bool{"isRead": true},
				Headers: map[string]string{"Content-Type": "application/json"},
			})
		}
		if _, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/$batch",
			map[string]interface{}{"requests": reqs}); err != nil {
			return err
		}
	}
	return nil
}

// MoveToJunk relocates a message to the junk folder. Spam disposition.
func (c *Client) MoveToJunk(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/me/messages/"+id+"/move",
		map[string]string{"destinationId": "junkemail"})
	return err
}

// ListAttachments fetches attachment entries for a message.
func (c *Client) ListAttachments(ctx context.Context, id string) ([]*Attachment, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/me/messages/"+id+"/attachments", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []*Attachment `json:"value"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("graph: decoding attachments for %s: %w", id, err)
	}
	return out.Value, nil
}

// CreateSubscription registers a change-notification subscription for new
// inbox messages.
func (c *Client) CreateSubscription(ctx context.Context, notificationURL, clientState string, expires time.Time) (*Subscription, error) {
	payload := map[string]string{
		"changeType":         "created",
		"notificationUrl":    notificationURL,
		"resource":           "me/mailfolders('inbox')/messages",
		"expirationDateTime": expires.UTC().Format(time.RFC3339),
		"clientState":        clientState,
	}
	data, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/subscriptions", payload)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("graph: decoding subscription: %w", err)
	}
	return &sub, nil
}

// RenewSubscription extends a subscription's expiry. A 404 means the
// subscription is gone and must be recreated; it surfaces as ErrNotFound.
func (c *Client) RenewSubscription(ctx context.Context, id string, expires time.Time) error {
	_, err := c.doRequest(ctx, http.MethodPatch, c.baseURL+"/subscriptions/"+id,
		map[string]string{"expirationDateTime": expires.UTC().Format(time.RFC3339)})
	return err
}

// DeleteSubscription removes a subscription. Missing subscriptions are fine.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.baseURL+"/subscriptions/"+id, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
