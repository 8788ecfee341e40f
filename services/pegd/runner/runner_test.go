package runner

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"joulechain/native/peg"
	"joulechain/observability"
	"joulechain/services/pegd/storage"
)

func testStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "pegd.sqlite"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStepPersistsOutcome(t *testing.T) {
	store := testStorage(t)
	outcome := peg.Outcome{
		Action:       peg.ActionBuyback,
		BurnedAmount: big.NewInt(3_000_000),
		QuoteOut:     big.NewInt(2_950_000),
		OraclePrice:  big.NewRat(1, 1),
		SpotBefore:   big.NewRat(95, 100),
		SpotAfter:    big.NewRat(99, 100),
		DeviationBps: -500,
	}
	r, err := New(store, EvaluatorFunc(func() (peg.Outcome, error) { return outcome, nil }), time.Minute)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	id, err := r.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	evals, err := store.RecentEvaluations(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent evaluations: %v", err)
	}
	if len(evals) != 1 || evals[0].ID != id || evals[0].Action != "buyback" {
		t.Fatalf("unexpected evaluations %+v", evals)
	}
	trades, err := store.TradesForEvaluation(context.Background(), id)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 || trades[0].Burned != "3000000" || trades[0].QuoteOut != "2950000" {
		t.Fatalf("unexpected trades %+v", trades)
	}
}

type statusEvaluator struct {
	outcome peg.Outcome
	status  peg.Status
}

func (s *statusEvaluator) Evaluate() (peg.Outcome, error) { return s.outcome, nil }
func (s *statusEvaluator) Status() (peg.Status, error)    { return s.status, nil }

func TestStepUpdatesReserveGauge(t *testing.T) {
	store := testStorage(t)
	eval := &statusEvaluator{
		outcome: peg.Outcome{
			Action:       peg.ActionMintSale,
			MintedAmount: big.NewInt(5_000_000),
			QuoteIn:      big.NewInt(4_900_000),
			OraclePrice:  big.NewRat(1, 1),
			SpotBefore:   big.NewRat(105, 100),
			DeviationBps: 500,
		},
		status: peg.Status{ReserveBalance: big.NewInt(7_500_000)},
	}
	r, err := New(store, eval, time.Minute)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := testutil.ToFloat64(observability.Peg().ReserveGauge()); got != 7_500_000 {
		t.Fatalf("reserve gauge = %v, want 7500000", got)
	}
}

func TestStepSurfacesEvaluatorErrors(t *testing.T) {
	store := testStorage(t)
	boom := errors.New("oracle stale")
	r, err := New(store, EvaluatorFunc(func() (peg.Outcome, error) { return peg.Outcome{}, boom }), time.Minute)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := r.Step(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped evaluator error, got %v", err)
	}
	evals, err := store.RecentEvaluations(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent evaluations: %v", err)
	}
	if len(evals) != 0 {
		t.Fatalf("expected no rows after failed evaluation")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := testStorage(t)
	r, err := New(store, EvaluatorFunc(func() (peg.Outcome, error) {
		return peg.Outcome{Action: peg.ActionInBand, OraclePrice: big.NewRat(1, 1)}, nil
	}), time.Millisecond)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
