// Package upstream implements casesync.Source against the case-management
// REST API: static-key authentication, the status/data response envelope,
// and bounded retry with exponential backoff.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"
	"github.com/theplant/casesync"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultTimeout     = 30 * time.Second
)

// APIKeyHeader carries the static key on every request.
var APIKeyHeader = "x-api-key"

type Config struct {
	// BaseURL is the upstream root; endpoint paths are joined onto it.
	BaseURL string

	// APIKey is sent in the APIKeyHeader header.
	APIKey string

	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client

	// MaxAttempts bounds requests per logical call, the first try
	// included. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the delay before the second attempt and doubles for
	// every attempt after it. Defaults to DefaultBackoff.
	Backoff time.Duration
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.APIKey == "" {
		return errors.New("APIKey is required")
	}
	if c.MaxAttempts < 0 {
		return errors.New("MaxAttempts must not be negative")
	}
	return nil
}

// Client talks to the upstream API. Safe for concurrent use.
type Client struct {
	*Config
}

var _ casesync.Source = (*Client)(nil)

func New(conf *Config) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.HTTPClient == nil {
		conf.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if conf.MaxAttempts == 0 {
		conf.MaxAttempts = DefaultMaxAttempts
	}
	if conf.Backoff == 0 {
		conf.Backoff = DefaultBackoff
	}
	return &Client{Config: conf}, nil
}

// FetchWindow queries endpoint with the window bounds as the date filter.
func (c *Client) FetchWindow(ctx context.Context, endpoint string, w casesync.Window) (casesync.FetchResult, error) {
	q := url.Values{}
	q.Set("fromDate", w.FromDate())
	q.Set("toDate", w.ToDate())
	return c.get(ctx, c.joinPath(endpoint)+"?"+q.Encode())
}

// FetchByID queries the entity endpoint with id as the trailing path
// segment.
func (c *Client) FetchByID(ctx context.Context, endpoint, id string) (casesync.FetchResult, error) {
	return c.get(ctx, c.joinPath(endpoint)+"/"+url.PathEscape(id))
}

func (c *Client) joinPath(endpoint string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/" + strings.Trim(endpoint, "/")
}

// get runs the retry loop around one logical fetch. Every error is
// considered transient except cancellation; callers see only the final
// error, with the attempt count on the result for accounting.
func (c *Client) get(ctx context.Context, rawURL string) (res casesync.FetchResult, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "upstream.get")
	spanKVs := map[string]any{"url": rawURL}
	defer func() {
		spanKVs["attempts"] = res.Attempts
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.Backoff<<(attempt-2)); err != nil {
				return res, err
			}
		}
		res.Attempts++

		records, err := c.attempt(ctx, rawURL)
		if err == nil {
			res.Records = records
			spanKVs["records"] = len(records)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return res, errors.Wrapf(lastErr, "upstream unavailable after %d attempts", res.Attempts)
}

// attempt issues one GET and decodes the envelope. A 404 and an explicit
// status=false both mean "no data here", not an error.
func (c *Client) attempt(ctx context.Context, rawURL string) ([]casesync.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set(APIKeyHeader, c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("upstream returned %s", resp.Status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrapf(err, "failed to decode envelope %q", snippet(body))
	}
	if !env.Status {
		return nil, nil
	}
	return decodeRecords(env.Data)
}

// envelope is the upstream response wrapper. Data stays raw because it may
// be an object, an array or null depending on the endpoint.
type envelope struct {
	Status bool            `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// decodeRecords unpacks the data member. A single object is a one-element
// batch; null and absent are empty.
func decodeRecords(data json.RawMessage) ([]casesync.RawRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var records []casesync.RawRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, errors.Wrap(err, "failed to decode data array")
		}
		return records, nil
	case '{':
		var record casesync.RawRecord
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return nil, errors.Wrap(err, "failed to decode data object")
		}
		return []casesync.RawRecord{record}, nil
	}
	return nil, errors.Errorf("unexpected data payload %q", snippet(trimmed))
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "fetch canceled")
	case <-t.C:
		return nil
	}
}
