// Package forge lists repositories on GitHub and GitLab for owner expansion.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"cauldron/internal/faults"
)

// RateLimitError reports provider quota exhaustion for the token in use.
type RateLimitError struct {
	Until time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Until.UTC().Format(time.RFC3339))
}

// RateLimitedUntil extracts the cooldown end from err, if any.
func RateLimitedUntil(err error) (time.Time, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Until, true
	}
	return time.Time{}, false
}

type client struct {
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func newClient(hc *http.Client, perSecond float64) client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	return client{http: hc, limiter: rate.NewLimiter(rate.Limit(perSecond), 1), now: time.Now}
}

// getJSON performs an authenticated GET and decodes the body into v.
func (c client) getJSON(ctx context.Context, url string, auth func(*http.Request), v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The limiter refuses to wait past the deadline.
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.ProviderTransient, err, "GET %s", url)
	}
	defer resp.Body.Close()
	if err := c.classify(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return faults.Wrap(faults.ProviderTransient, err, "decode %s", url)
	}
	return nil
}

func (c client) classify(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("RateLimit-Remaining") == "0"):
		return &RateLimitError{Until: c.resetTime(resp.Header)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.New(faults.CredentialMissing, "provider rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return faults.New(faults.ProviderTransient, "provider error %d", resp.StatusCode)
	}
	return faults.New(faults.ProviderPermanent, "provider returned %d", resp.StatusCode).WithDetail("status", resp.StatusCode)
}

// resetTime reads the provider's reset hint, defaulting to one minute.
func (c client) resetTime(h http.Header) time.Time {
	for _, key := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		if v := h.Get(key); v != "" {
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Unix(sec, 0).UTC()
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return c.now().Add(time.Duration(sec) * time.Second).UTC()
		}
	}
	return c.now().Add(time.Minute).UTC()
}
