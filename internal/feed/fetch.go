// Package feed talks to the remote calendar feed: windowed fetches
// with retry/backoff, per-owner request cancellation, and decoding of
// both JSON and iCalendar payloads into raw event records.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	applog "friendcal/internal/log"
	"friendcal/internal/model"
)

const (
	// maxRetries is the number of retries after the first attempt,
	// for 4 total attempts before failure is surfaced.
	maxRetries = 3

	requestTimeout = 15 * time.Second
)

// Client fetches raw events for one owner and window. Before issuing a
// new request for an owner it cancels any in-flight request for that
// same owner: last request started wins.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialProvider

	// newBackOff builds the retry policy for one fetch. Swapped in
	// tests to avoid real delays.
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	inflight map[string]*inflightFetch
}

type inflightFetch struct {
	cancel context.CancelFunc
}

// NewClient creates a feed client for the given base URL.
func NewClient(baseURL string, creds CredentialProvider) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: requestTimeout,
		},
		creds:      creds,
		newBackOff: defaultBackOff,
		inflight:   make(map[string]*inflightFetch),
	}
}

// defaultBackOff implements the retry policy: base 500ms, doubling,
// capped at 8s, up to 25% jitter.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	return b
}

// FetchWindow fetches the owner's raw events inside [start, end].
// Transient failures are retried with exponential backoff; auth,
// forbidden and not-found failures surface immediately. Starting a
// fetch cancels the owner's previous in-flight fetch, whose eventual
// result must be discarded by its caller.
func (c *Client) FetchWindow(ctx context.Context, ownerID string, start, end time.Time) ([]model.RawEvent, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	mine := &inflightFetch{cancel: cancel}

	c.mu.Lock()
	if prev := c.inflight[ownerID]; prev != nil {
		prev.cancel()
	}
	c.inflight[ownerID] = mine
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.inflight[ownerID] == mine {
			delete(c.inflight, ownerID)
		}
		c.mu.Unlock()
	}()

	requestID := uuid.NewString()

	operation := func() ([]model.RawEvent, error) {
		events, err := c.fetchOnce(fetchCtx, ownerID, start, end, requestID)
		if err == nil {
			return events, nil
		}
		if fetchCtx.Err() != nil {
			return nil, backoff.Permanent(fetchCtx.Err())
		}
		if !Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		applog.Warn("feed fetch retrying",
			"owner_id", ownerID,
			"request_id", requestID,
			"wait", wait,
			"err", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries), fetchCtx)
	events, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		return nil, err
	}

	applog.Debug("feed fetch succeeded",
		"owner_id", ownerID,
		"request_id", requestID,
		"events", len(events),
	)
	return events, nil
}

// CancelOwner cancels any in-flight fetch for the owner without
// starting a new one. Used when the owner's feed is deregistered.
func (c *Client) CancelOwner(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev := c.inflight[ownerID]; prev != nil {
		prev.cancel()
		delete(c.inflight, ownerID)
	}
}

func (c *Client) fetchOnce(ctx context.Context, ownerID string, start, end time.Time, requestID string) ([]model.RawEvent, error) {
	query := url.Values{}
	query.Set("windowStart", start.UTC().Format(time.RFC3339))
	query.Set("windowEnd", end.UTC().Format(time.RFC3339))

	endpoint := fmt.Sprintf("%s/friends/%s/events?%s", c.baseURL, url.PathEscape(ownerID), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json, text/calendar")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decode(resp, ownerID)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrAuthExpired, resp.Status)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrForbidden, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", ErrNetwork, resp.Status)
	default:
		return nil, fmt.Errorf("unexpected feed response: %s", resp.Status)
	}
}

// decode reads the response body as either a JSON record array or an
// iCalendar document, depending on Content-Type. Individual malformed
// records are skipped, never fatal.
func (c *Client) decode(resp *http.Response, ownerID string) ([]model.RawEvent, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrNetwork, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "text/calendar" {
		return parseICS(ownerID, body)
	}

	var records []model.RawEvent
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decoding feed payload: %w", err)
	}

	out := make([]model.RawEvent, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.StartTime.IsZero() {
			applog.Warn("skipping malformed feed record", "owner_id", ownerID, "record_id", r.ID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// IsTerminal reports whether err is one of the non-retryable fetch
// failures that callers surface immediately.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound)
}
