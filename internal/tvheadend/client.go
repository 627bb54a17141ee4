// Package tvheadend implements the small slice of the TVHeadend HTTP API the
// EPG bridge needs: reading the EPG grid and scheduling a recording.
package tvheadend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tvheadendepg/internal/epg"

	"go.uber.org/zap"
)

const (
	// DefaultLimit is the number of grid events requested when no limit is given.
	DefaultLimit = 1000

	// DefaultTimeout bounds a whole EPG fetch, including the auth fallback.
	DefaultTimeout = 20 * time.Second

	// DefaultRecordTimeout bounds a record request.
	DefaultRecordTimeout = 10 * time.Second

	gridPath   = "/api/epg/events/grid"
	recordPath = "/api/dvr/entry/create"
)

// Credentials identifies one TVHeadend user. They are fixed for the lifetime
// of a Client.
type Credentials struct {
	Username string
	Password string
}

// Options tunes a Client. Zero values fall back to the defaults.
type Options struct {
	Timeout       time.Duration
	RecordTimeout time.Duration
	Transport     http.RoundTripper
}

// Client talks to one TVHeadend server.
type Client struct {
	baseURL       string
	http          *http.Client
	auth          []authStrategy
	timeout       time.Duration
	recordTimeout time.Duration
	logger        *zap.Logger
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://tvheadend.local:9981").
func NewClient(baseURL string, creds Credentials, logger *zap.Logger, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: missing host", baseURL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}

	return &Client{
		baseURL: u.String(),
		http:    &http.Client{Transport: opts.Transport},
		auth: []authStrategy{
			digestAuth{username: creds.Username, password: creds.Password},
			basicAuth{username: creds.Username, password: creds.Password},
		},
		timeout:       opts.Timeout,
		recordTimeout: opts.RecordTimeout,
		logger:        logger.Named("tvheadend"),
	}, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// gridResponse is the envelope of /api/epg/events/grid.
type gridResponse struct {
	Entries    []epg.Entry `json:"entries"`
	TotalCount int         `json:"totalCount"`
}

// FetchEPG returns up to limit grid events. A limit <= 0 requests
// DefaultLimit. A response without an "entries" key yields an empty slice.
func (c *Client) FetchEPG(ctx context.Context, limit int) ([]epg.Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	body, status, err := c.do(ctx, c.timeout, http.MethodGet, gridPath, query, nil)
	if err != nil {
		return nil, err
	}

	var grid gridResponse
	if err := json.Unmarshal(body, &grid); err != nil {
		return nil, &RequestError{StatusCode: status, Err: fmt.Errorf("failed to decode EPG grid: %w", err)}
	}
	if grid.Entries == nil {
		grid.Entries = []epg.Entry{}
	}

	c.logger.Debug("Fetched EPG grid",
		zap.Int("entries", len(grid.Entries)),
		zap.Int("total_count", grid.TotalCount),
		zap.Int("limit", limit))

	return grid.Entries, nil
}

// RecordEvent asks TVHeadend to create a DVR entry for the EPG event.
func (c *Client) RecordEvent(ctx context.Context, eventID int64) error {
	payload, err := json.Marshal(map[string]int64{"event_id": eventID})
	if err != nil {
		return fmt.Errorf("failed to encode record request: %w", err)
	}

	if _, _, err := c.do(ctx, c.recordTimeout, http.MethodPost, recordPath, nil, payload); err != nil {
		return err
	}

	c.logger.Info("Recording scheduled", zap.Int64("event_id", eventID))
	return nil
}

// do runs one request through the authentication strategies in order and
// returns the response body. The timeout covers every attempt and the body
// read.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, payload []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	newRequest := func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}

	tried := make([]string, 0, len(c.auth))
	for _, strategy := range c.auth {
		resp, err := strategy.Do(c.http, newRequest)
		if err != nil {
			return nil, 0, &ConnectionError{Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			drainAndClose(resp)
			tried = append(tried, strategy.Scheme())
			c.logger.Debug("Authentication scheme rejected",
				zap.String("scheme", strategy.Scheme()),
				zap.String("path", path))
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			drainAndClose(resp)
			return nil, resp.StatusCode, &RequestError{StatusCode: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, resp.StatusCode, &ConnectionError{Err: fmt.Errorf("failed to read response body: %w", err)}
		}
		return body, resp.StatusCode, nil
	}

	return nil, http.StatusUnauthorized, &AuthError{Schemes: tried}
}
