// Package oracle orchestrates the pegd feed aggregation loop: poll every
// configured source, drop unusable quotes, compute the median and forward it
// on chain through the peg controller with a fresh submission nonce.
package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"joulechain/crypto"
	"joulechain/observability/metrics"
	"joulechain/services/pegd/feeds"
	"joulechain/services/pegd/noncestore"
	"joulechain/services/pegd/storage"
)

// Submitter pushes an aggregated price on chain. The peg controller
// satisfies this directly.
type Submitter interface {
	SubmitPrice(caller crypto.Address, price *big.Rat, nonce uint64) error
}

// SubmitterFunc adapts ordinary functions to Submitter.
type SubmitterFunc func(caller crypto.Address, price *big.Rat, nonce uint64) error

// SubmitPrice implements Submitter.
func (f SubmitterFunc) SubmitPrice(caller crypto.Address, price *big.Rat, nonce uint64) error {
	if f == nil {
		return nil
	}
	return f(caller, price, nonce)
}

// Pair identifies the base/quote pair being aggregated.
type Pair struct {
	Base  string
	Quote string
}

// Manager runs the periodic fetch/aggregate/submit cycle.
type Manager struct {
	logger    *slog.Logger
	store     *storage.Storage
	nonces    *noncestore.Store
	sources   []feeds.Source
	pair      Pair
	feeder    crypto.Address
	submitter Submitter
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	metrics   *metrics.OracleMetrics
	nowFn     func() time.Time
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// New constructs a manager. The feeder address must hold the controller's
// feeder role or every submission will be rejected on chain.
func New(store *storage.Storage, nonces *noncestore.Store, sources []feeds.Source, pair Pair, feeder crypto.Address, submitter Submitter, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce store required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if strings.TrimSpace(pair.Base) == "" || strings.TrimSpace(pair.Quote) == "" {
		return nil, fmt.Errorf("pair required")
	}
	if feeder.IsZero() {
		return nil, fmt.Errorf("feeder address required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:    slog.Default(),
		store:     store,
		nonces:    nonces,
		sources:   append([]feeds.Source{}, sources...),
		pair:      pair,
		feeder:    feeder,
		submitter: submitter,
		interval:  interval,
		maxAge:    maxAge,
		minFeeds:  minFeeds,
		metrics:   metrics.Oracle(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "pair", m.pair.Base+"/"+m.pair.Quote)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single fetch/aggregate/submit cycle.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	now := m.nowFn()
	points := make([]feeds.PricePoint, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		started := m.nowFn()
		point, err := src.Fetch(ctx, m.pair.Base, m.pair.Quote)
		m.metrics.ObserveFetch(src.Name(), m.nowFn().Sub(started), err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("feed fetch failed", "source", src.Name(), "error", err)
			continue
		}
		if point.Rate == nil || point.Rate.Sign() <= 0 {
			m.logger.Warn("feed returned invalid rate", "source", src.Name())
			continue
		}
		if point.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("feed reported future timestamp", "source", src.Name())
			continue
		}
		if m.maxAge > 0 && point.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("feed quote expired", "source", src.Name())
			continue
		}
		feeders = append(feeders, src.Name())
		points = append(points, point.Clone())
		if err := m.store.RecordSample(ctx, m.pair.Base, m.pair.Quote, point, now); err != nil {
			m.logger.Warn("record sample failed", "error", err)
		}
	}
	if len(points) < m.minFeeds {
		m.metrics.RecordUpdate("insufficient_feeds")
		return fmt.Errorf("insufficient feeds for %s/%s: %d of %d", m.pair.Base, m.pair.Quote, len(points), m.minFeeds)
	}
	median := computeMedian(points)
	if median == nil || median.Sign() <= 0 {
		m.metrics.RecordUpdate("median_failed")
		return fmt.Errorf("median computation failed for %s/%s", m.pair.Base, m.pair.Quote)
	}
	m.metrics.SetFeedsUsed(len(points))
	m.metrics.SetMedian(median)

	proof := proofID(m.pair.Base, m.pair.Quote, feeders, now)
	if err := m.nonces.RecordProof(proof, now); err != nil {
		if errors.Is(err, noncestore.ErrDuplicateProof) {
			m.metrics.RecordUpdate("duplicate_proof")
			m.logger.Info("skipping already submitted proof", "proof", proof)
			return nil
		}
		return fmt.Errorf("record proof: %w", err)
	}
	nonce, err := m.nonces.NextNonce()
	if err != nil {
		return err
	}
	if err := m.submitter.SubmitPrice(m.feeder, median, nonce); err != nil {
		m.metrics.RecordUpdate("rejected")
		return fmt.Errorf("submit price: %w", err)
	}
	m.metrics.RecordUpdate("accepted")
	m.metrics.SetSnapshotAge(0)

	snap := storage.Snapshot{
		MedianRate:     median.FloatString(18),
		Feeders:        feeders,
		ProofID:        proof,
		Nonce:          nonce,
		ObservedAtUnix: now.Unix(),
		RecordedAt:     now,
	}
	if err := m.store.RecordSnapshot(ctx, m.pair.Base, m.pair.Quote, snap); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	m.logger.Info("oracle median submitted", "median", snap.MedianRate, "nonce", nonce, "feeds", len(feeders))
	return nil
}

func computeMedian(points []feeds.PricePoint) *big.Rat {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]*big.Rat, 0, len(points))
	for _, p := range points {
		if p.Rate == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(p.Rate))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

func proofID(base, quote string, feeders []string, ts time.Time) string {
	digest := sha256.New()
	digest.Write([]byte(strings.ToUpper(strings.TrimSpace(base))))
	digest.Write([]byte("/"))
	digest.Write([]byte(strings.ToUpper(strings.TrimSpace(quote))))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
