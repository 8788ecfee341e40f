package genesis

import (
	"math/big"
	"testing"

	"joulechain/config"
	"joulechain/core/state"
	"joulechain/crypto"
	"joulechain/native/peg"
	"joulechain/storage"
)

func testOwner(t *testing.T) (crypto.Address, string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	return addr, addr.String()
}

func TestApplyBootstrapsChain(t *testing.T) {
	owner, encoded := testOwner(t)
	manager := state.NewManager(storage.NewMemDB())
	g := config.DefaultGenesis(encoded)

	applied, err := Apply(manager, g, crypto.Address{})
	if err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	if !applied.Owner.Equal(owner) {
		t.Fatalf("expected owner %s, got %s", owner, applied.Owner)
	}
	if !applied.Feeder.Equal(owner) {
		t.Fatalf("zero feeder should fall back to the owner")
	}

	status, err := applied.Gateway.Status()
	if err != nil {
		t.Fatalf("gateway status: %v", err)
	}
	if !status.Oracle.Equal(peg.ModuleAddress()) {
		t.Fatalf("gateway oracle principal must be the controller module address")
	}
	if status.State.Price == nil || status.State.Price.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected initial price 1.00, got %v", status.State.Price)
	}

	credit, quote, err := applied.Pool.Reserves()
	if err != nil {
		t.Fatalf("pool reserves: %v", err)
	}
	if credit.Sign() == 0 || quote.Sign() == 0 {
		t.Fatalf("pool must be seeded, got %s/%s", credit, quote)
	}

	ctlStatus, err := applied.Controller.Status()
	if err != nil {
		t.Fatalf("controller status: %v", err)
	}
	if ctlStatus.ReserveBalance.Sign() == 0 {
		t.Fatalf("controller reserve must be pre-funded")
	}
	if !ctlStatus.Feeder.Equal(owner) {
		t.Fatalf("controller feeder mismatch")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	_, encoded := testOwner(t)
	manager := state.NewManager(storage.NewMemDB())
	g := config.DefaultGenesis(encoded)

	if _, err := Apply(manager, g, crypto.Address{}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, err := Apply(manager, g, crypto.Address{})
	if err != nil {
		t.Fatalf("second apply must reuse persisted state: %v", err)
	}
	minted, _, err := manager.Supply("JOULE")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	seed, _ := config.ParseAmount(g.Pool.SeedCredit)
	if minted.Cmp(seed) != 0 {
		t.Fatalf("second apply must not mint again: minted %s", minted)
	}
	if _, err := applied.Controller.Status(); err != nil {
		t.Fatalf("controller must stay initialised: %v", err)
	}
}

func TestApplyRejectsInvalidGenesis(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	g := config.DefaultGenesis("not-an-address")
	if _, err := Apply(manager, g, crypto.Address{}); err == nil {
		t.Fatalf("expected invalid owner address to be rejected")
	}
}
