// Package storage wraps the pegd persistence layer: raw feed samples, oracle
// snapshots, evaluation outcomes, executed trades and API nonce usage. A
// single SQLite file holds the operator-facing audit trail while chain state
// itself lives in the node's key-value store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"joulechain/native/peg"
	"joulechain/services/pegd/auth"
	"joulechain/services/pegd/feeds"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("pegd storage path must be configured")

// Storage wraps the pegd persistence layer.
type Storage struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists a raw feed quote.
func (s *Storage) RecordSample(ctx context.Context, base, quote string, point feeds.PricePoint, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if point.Rate == nil {
		return fmt.Errorf("sample missing rate")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO price_samples(pair, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, pairKey(base, quote), strings.ToLower(strings.TrimSpace(point.Source)), point.Rate.FloatString(18), point.Timestamp.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Snapshot captures an aggregated oracle median.
type Snapshot struct {
	MedianRate     string
	Feeders        []string
	ProofID        string
	Nonce          uint64
	ObservedAtUnix int64
	RecordedAt     time.Time
}

// RecordSnapshot stores the aggregated median that was pushed on chain.
func (s *Storage) RecordSnapshot(ctx context.Context, base, quote string, snap Snapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(pair, median_rate, feeders, proof_id, nonce, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, pairKey(base, quote), strings.TrimSpace(snap.MedianRate), strings.Join(snap.Feeders, ","), snap.ProofID, snap.Nonce, snap.ObservedAtUnix, snap.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregated median for the pair.
func (s *Storage) LatestSnapshot(ctx context.Context, base, quote string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median_rate, feeders, proof_id, nonce, observed_at, recorded_at
        FROM oracle_snapshots
        WHERE pair = ?
        ORDER BY id DESC
        LIMIT 1
    `, pairKey(base, quote))
	var feeders string
	if err := row.Scan(&result.MedianRate, &feeders, &result.ProofID, &result.Nonce, &result.ObservedAtUnix, &result.RecordedAt); err != nil {
		if err == sql.ErrNoRows {
			return result, fmt.Errorf("snapshot not found")
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	return result, nil
}

// Evaluation captures one controller pass and its (optional) executed trade.
type Evaluation struct {
	ID           string
	Action       string
	Reason       string
	OracleRate   string
	SpotBefore   string
	SpotAfter    string
	DeviationBps int64
	RecordedAt   time.Time
}

// RecordEvaluation persists the decision of one Evaluate pass and, when the
// pass traded, the executed trade row. The returned id identifies the
// evaluation row.
func (s *Storage) RecordEvaluation(ctx context.Context, outcome peg.Outcome, recorded time.Time) (string, error) {
	if s == nil {
		return "", fmt.Errorf("storage not configured")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO evaluations(id, action, reason, oracle_rate, spot_before, spot_after, deviation_bps, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, id, string(outcome.Action), outcome.Reason, ratString(outcome.OraclePrice), ratString(outcome.SpotBefore), ratString(outcome.SpotAfter), outcome.DeviationBps, recorded.UTC())
	if err != nil {
		return "", fmt.Errorf("insert evaluation: %w", err)
	}
	if !outcome.Executed() {
		return id, nil
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO trades(id, evaluation_id, action, minted, burned, quote_in, quote_out, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, uuid.NewString(), id, string(outcome.Action), intString(outcome.MintedAmount), intString(outcome.BurnedAmount), intString(outcome.QuoteIn), intString(outcome.QuoteOut), recorded.UTC())
	if err != nil {
		return "", fmt.Errorf("insert trade: %w", err)
	}
	return id, nil
}

// RecentEvaluations returns up to limit evaluation rows, newest first.
func (s *Storage) RecentEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, action, reason, oracle_rate, spot_before, spot_after, deviation_bps, recorded_at
        FROM evaluations
        ORDER BY recorded_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()
	out := make([]Evaluation, 0, limit)
	for rows.Next() {
		var eval Evaluation
		if err := rows.Scan(&eval.ID, &eval.Action, &eval.Reason, &eval.OracleRate, &eval.SpotBefore, &eval.SpotAfter, &eval.DeviationBps, &eval.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, eval)
	}
	return out, rows.Err()
}

// Trade captures an executed rebalance leg.
type Trade struct {
	ID           string
	EvaluationID string
	Action       string
	Minted       string
	Burned       string
	QuoteIn      string
	QuoteOut     string
	RecordedAt   time.Time
}

// TradesForEvaluation returns the trades recorded against an evaluation id.
func (s *Storage) TradesForEvaluation(ctx context.Context, evaluationID string) ([]Trade, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, evaluation_id, action, minted, burned, quote_in, quote_out, recorded_at
        FROM trades
        WHERE evaluation_id = ?
        ORDER BY recorded_at ASC
    `, strings.TrimSpace(evaluationID))
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var trade Trade
		if err := rows.Scan(&trade.ID, &trade.EvaluationID, &trade.Action, &trade.Minted, &trade.Burned, &trade.QuoteIn, &trade.QuoteOut, &trade.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

// EnsureNonce persists API key nonce usage, returning true when the record
// was already present. Implements auth.NoncePersistence.
func (s *Storage) EnsureNonce(ctx context.Context, rec auth.NonceRecord) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	apiKey := strings.TrimSpace(rec.APIKey)
	ts := strings.TrimSpace(rec.Timestamp)
	nonce := strings.TrimSpace(rec.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := rec.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO api_nonces(api_key, timestamp, nonce, observed_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(api_key, timestamp, nonce) DO NOTHING
    `, apiKey, ts, nonce, observed)
	if err != nil {
		return false, fmt.Errorf("record api nonce: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record api nonce: %w", err)
	}
	return affected == 0, nil
}

// RecentNonces returns nonce records observed at or after the cutoff.
// Implements auth.NoncePersistence.
func (s *Storage) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT api_key, timestamp, nonce, observed_at
        FROM api_nonces
        WHERE observed_at >= ?
        ORDER BY observed_at ASC
    `, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query api nonces: %w", err)
	}
	defer rows.Close()
	var out []auth.NonceRecord
	for rows.Next() {
		var rec auth.NonceRecord
		if err := rows.Scan(&rec.APIKey, &rec.Timestamp, &rec.Nonce, &rec.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan api nonce: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneNonces deletes nonce records observed before the cutoff. Implements
// auth.NoncePersistence.
func (s *Storage) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_nonces WHERE observed_at < ?`, cutoff.UTC()); err != nil {
		return fmt.Errorf("prune api nonces: %w", err)
	}
	return nil
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

func ratString(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.FloatString(18)
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS price_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_samples_pair_ts ON price_samples(pair, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    median_rate TEXT NOT NULL,
    feeders TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    nonce INTEGER NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_pair_ts ON oracle_snapshots(pair, observed_at);

CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    reason TEXT NOT NULL,
    oracle_rate TEXT NOT NULL,
    spot_before TEXT NOT NULL,
    spot_after TEXT NOT NULL,
    deviation_bps INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_recorded ON evaluations(recorded_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    evaluation_id TEXT NOT NULL,
    action TEXT NOT NULL,
    minted TEXT NOT NULL,
    burned TEXT NOT NULL,
    quote_in TEXT NOT NULL,
    quote_out TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_evaluation ON trades(evaluation_id);

CREATE TABLE IF NOT EXISTS api_nonces (
    api_key TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    nonce TEXT NOT NULL,
    observed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (api_key, timestamp, nonce)
);
CREATE INDEX IF NOT EXISTS idx_api_nonces_observed ON api_nonces(observed_at);
`
