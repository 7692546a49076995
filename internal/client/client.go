// Package client talks to the forumlive HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/forumlive/internal/live"
	"github.com/dgnsrekt/forumlive/internal/store"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

type Status struct {
	Status    string `json:"status"`
	LastID    int64  `json:"lastId"`
	QueueSize int    `json:"queueSize"`
	Listeners int    `json:"listeners"`
}

// LastIDHeader carries a timed-out listener's position on 204 responses.
const LastIDHeader = "X-Last-Id"

type errorBody struct {
	Error string `json:"error"`
}

type idBody struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// NewClient builds a client. timeout must exceed the server's listen timeout or long
// polls will be cut short.
func NewClient(baseURL, token string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Listen long-polls for events after lastID. ok is false when the server's listen
// timeout elapsed with nothing to deliver; data.LastID then holds the position the
// server advanced to past events the caller cannot see.
func (c *Client) Listen(ctx context.Context, lastID int64) (data live.LiveData, ok bool, err error) {
	path := "/api/live?lastId=" + strconv.FormatInt(lastID, 10)
	status, header, err := c.do(ctx, http.MethodGet, path, nil, &data)
	if err != nil {
		return live.LiveData{}, false, err
	}
	if status == http.StatusOK {
		return data, true, nil
	}

	data = live.LiveData{LastID: lastID}
	if raw := header.Get(LastIDHeader); raw != "" {
		advanced, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return live.LiveData{}, false, fmt.Errorf("parsing %s %q: %w", LastIDHeader, raw, err)
		}
		if advanced > lastID {
			data.LastID = advanced
		}
	}
	return data, false, nil
}

// LastID returns the newest event id on the server.
func (c *Client) LastID(ctx context.Context) (int64, error) {
	var body struct {
		LastID int64 `json:"lastId"`
	}
	if _, _, err := c.do(ctx, http.MethodGet, "/api/live/lastid", nil, &body); err != nil {
		return 0, err
	}
	return body.LastID, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	_, _, err := c.do(ctx, http.MethodGet, "/api/status", nil, &s)
	return s, err
}

// CreateUser registers username and returns its id and a bearer token.
func (c *Client) CreateUser(ctx context.Context, username string) (int64, string, error) {
	var out idBody
	if _, _, err := c.do(ctx, http.MethodPost, "/api/users", map[string]string{"username": username}, &out); err != nil {
		return 0, "", err
	}
	return out.ID, out.Token, nil
}

// PostMessage writes a message into a content room and returns the message id.
func (c *Client) PostMessage(ctx context.Context, msg store.MessageInput) (int64, error) {
	var out idBody
	if _, _, err := c.do(ctx, http.MethodPost, "/api/messages", msg, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// do sends one API request with retries. out is decoded from 200 and 201 responses.
// The returned header belongs to the final response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, http.Header, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	requestID := uuid.NewString()
	c.logger.Debug("requesting",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("requestID", requestID),
	)

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500 && method == http.MethodGet:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if out != nil && len(body) > 0 {
				if err := json.Unmarshal(body, out); err != nil {
					return 0, nil, fmt.Errorf("decoding response: %w", err)
				}
			}
			return resp.StatusCode, resp.Header, nil
		case resp.StatusCode == http.StatusNoContent:
			return resp.StatusCode, resp.Header, nil
		default:
			return resp.StatusCode, resp.Header, statusError(resp.StatusCode, body)
		}
	}

	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func statusError(status int, body []byte) error {
	var eb errorBody
	msg := string(bytes.TrimSpace(body))
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}

	switch status {
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrExpired, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, msg)
	}
}

// WebSocketURL returns the live socket address for baseURL, carrying the token in the query.
func (c *Client) WebSocketURL(lastID int64) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/live/ws"
	q := url.Values{"lastId": {strconv.FormatInt(lastID, 10)}}
	if c.token != "" {
		q.Set("access_token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
