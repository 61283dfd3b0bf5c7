// Package rapidpro is the HTTP adapter for the RapidPro SMS gateway API v2.
package rapidpro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one gateway message.
type Message struct {
	ID        int64     `json:"id"`
	URN       string    `json:"urn"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	CreatedOn time.Time `json:"created_on"`
}

// Config holds gateway connection settings.
type Config struct {
	// Domain is the gateway host, without scheme.
	Domain string

	// Token is the API token.
	Token string

	// Timeout bounds each HTTP request. Gateway fetches can run very long on
	// large backlogs.
	Timeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 10 * time.Minute,
	}
}

// Client talks to one RapidPro instance. All gateway calls are serialized
// under an internal mutex shared by the inbound and outbound paths.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu sync.Mutex
}

// NewClient creates a gateway client.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: "https://" + cfg.Domain,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type messagesPage struct {
	Next    string    `json:"next"`
	Results []Message `json:"results"`
}

// GetMessages fetches all messages created at or after createdAfterInclusive
// (all messages when nil), following pagination to exhaustion.
func (c *Client) GetMessages(ctx context.Context, createdAfterInclusive *time.Time) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	endpoint := c.baseURL + "/api/v2/messages.json"
	if createdAfterInclusive != nil {
		q := url.Values{}
		q.Set("after", createdAfterInclusive.UTC().Format(time.RFC3339Nano))
		endpoint += "?" + q.Encode()
	}

	var all []Message
	for endpoint != "" {
		var page messagesPage
		if err := c.get(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		endpoint = page.Next
	}

	log.Debug().Int("count", len(all)).Msg("Fetched gateway messages")
	return all, nil
}

type broadcastRequest struct {
	URNs      []string `json:"urns"`
	Text      string   `json:"text"`
	Interrupt bool     `json:"interrupt"`
}

// SendBroadcast sends text to every URN in one broadcast. interrupt asks the
// gateway to cut short any flow the recipient is currently in.
func (c *Client) SendBroadcast(ctx context.Context, text string, urns []string, interrupt bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := json.Marshal(broadcastRequest{URNs: urns, Text: text, Interrupt: interrupt})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/broadcasts.json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build broadcast request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := responseError(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := responseError(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
}

// responseError maps a non-2xx response to a typed error. The body of a 400
// is preserved so the caller can surface what the gateway objected to.
func responseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &BadRequestError{Payload: string(payload)}
	case http.StatusTooManyRequests:
		return &RateExceededError{RetryAfter: resp.Header.Get("Retry-After")}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}
