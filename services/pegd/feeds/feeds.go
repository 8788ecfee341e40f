// Package feeds defines the upstream price sources pegd polls before
// aggregating a median for submission on chain.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// PricePoint captures a single quote from an upstream feed.
type PricePoint struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy so callers cannot mutate cached rates.
func (p PricePoint) Clone() PricePoint {
	clone := PricePoint{Timestamp: p.Timestamp, Source: p.Source}
	if p.Rate != nil {
		clone.Rate = new(big.Rat).Set(p.Rate)
	}
	return clone
}

// Source resolves a quote for a base/quote currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (PricePoint, error)
}

// HTTPDoer abstracts *http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource polls a JSON endpoint that returns {"price": "<decimal>"} or
// {"price": <number>} payloads. Requests are throttled through a token
// bucket so upstream quota is respected across poll cycles.
type HTTPSource struct {
	name    string
	url     string
	client  HTTPDoer
	limiter *rate.Limiter
	nowFn   func() time.Time
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client HTTPDoer) HTTPOption {
	return func(s *HTTPSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) HTTPOption {
	return func(s *HTTPSource) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewHTTPSource constructs a throttled JSON price source. ratePerMinute
// bounds the sustained request rate; burst allows short spikes.
func NewHTTPSource(name, url string, ratePerMinute float64, burst int, opts ...HTTPOption) (*HTTPSource, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return nil, fmt.Errorf("feeds: source name required")
	}
	trimmedURL := strings.TrimSpace(url)
	if trimmedURL == "" {
		return nil, fmt.Errorf("feeds: source URL required")
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	if burst <= 0 {
		burst = 1
	}
	src := &HTTPSource{
		name:    trimmedName,
		url:     trimmedURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(src)
		}
	}
	return src, nil
}

// Name implements Source.
func (s *HTTPSource) Name() string { return s.name }

type pricePayload struct {
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

// Fetch implements Source. The base/quote pair is appended as query context
// for endpoints that serve multiple pairs from one URL template.
func (s *HTTPSource) Fetch(ctx context.Context, base, quote string) (PricePoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return PricePoint{}, fmt.Errorf("feeds: %s throttled: %w", s.name, err)
	}
	endpoint := strings.NewReplacer("{base}", strings.ToLower(strings.TrimSpace(base)), "{quote}", strings.ToLower(strings.TrimSpace(quote))).Replace(s.url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PricePoint{}, fmt.Errorf("feeds: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return PricePoint{}, fmt.Errorf("feeds: %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return PricePoint{}, fmt.Errorf("feeds: %s returned status %d", s.name, resp.StatusCode)
	}
	var payload pricePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return PricePoint{}, fmt.Errorf("feeds: %s decode: %w", s.name, err)
	}
	raw := strings.TrimSpace(payload.Price.String())
	if raw == "" {
		return PricePoint{}, fmt.Errorf("feeds: %s returned empty price", s.name)
	}
	rateOut := new(big.Rat)
	if _, ok := rateOut.SetString(raw); !ok {
		return PricePoint{}, fmt.Errorf("feeds: %s returned unparseable price %q", s.name, raw)
	}
	if rateOut.Sign() <= 0 {
		return PricePoint{}, fmt.Errorf("feeds: %s returned non-positive price", s.name)
	}
	ts := s.nowFn()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}
	return PricePoint{Rate: rateOut, Timestamp: ts, Source: s.name}, nil
}

// StaticSource serves a fixed quote. It backs tests and dry-run deployments
// where no upstream connectivity exists.
type StaticSource struct {
	name  string
	rate  *big.Rat
	nowFn func() time.Time
	err   error
}

// NewStaticSource returns a source that always reports the supplied rate.
func NewStaticSource(name string, rateValue *big.Rat) *StaticSource {
	src := &StaticSource{name: strings.TrimSpace(name), nowFn: time.Now}
	if rateValue != nil {
		src.rate = new(big.Rat).Set(rateValue)
	} else {
		src.err = fmt.Errorf("feeds: static source %s has no rate", name)
	}
	return src
}

// SetClock overrides the timestamp source for tests.
func (s *StaticSource) SetClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// SetRate swaps the served rate.
func (s *StaticSource) SetRate(rateValue *big.Rat) {
	if rateValue == nil {
		s.rate = nil
		s.err = fmt.Errorf("feeds: static source %s has no rate", s.name)
		return
	}
	s.rate = new(big.Rat).Set(rateValue)
	s.err = nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StaticSource) Fetch(ctx context.Context, base, quote string) (PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return PricePoint{}, err
	}
	if s.err != nil {
		return PricePoint{}, s.err
	}
	return PricePoint{Rate: new(big.Rat).Set(s.rate), Timestamp: s.nowFn(), Source: s.name}, nil
}
