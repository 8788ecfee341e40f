package state

import (
	"math/big"
	"testing"

	"joulechain/crypto"
	"joulechain/storage"
)

func testAddr(t *testing.T, fill byte) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	addr, err := crypto.NewAddress(crypto.JoulePrefix, raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return addr
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(storage.NewMemDB())
	if err := m.RegisterToken("JOULE", "Joule Compute Credit", 7); err != nil {
		t.Fatalf("register token: %v", err)
	}
	return m
}

func TestRegisterTokenRejectsDuplicates(t *testing.T) {
	m := newTestManager(t)
	if err := m.RegisterToken("joule", "Joule Compute Credit", 7); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	meta, err := m.Token("joule")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta == nil || meta.Symbol != "JOULE" || meta.Decimals != 7 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	list, err := m.TokenList()
	if err != nil {
		t.Fatalf("token list: %v", err)
	}
	if len(list) != 1 || list[0] != "JOULE" {
		t.Fatalf("unexpected token list %v", list)
	}
}

func TestMintBurnTransferAccounting(t *testing.T) {
	m := newTestManager(t)
	alice := testAddr(t, 0xA1)
	bob := testAddr(t, 0xB2)

	if err := m.Mint(alice, "JOULE", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.Transfer(alice, bob, "JOULE", big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := m.Burn(bob, "JOULE", big.NewInt(150)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	aliceBal, err := m.Balance(alice, "JOULE")
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	if aliceBal.Int64() != 600 {
		t.Fatalf("alice balance = %s, want 600", aliceBal)
	}
	bobBal, err := m.Balance(bob, "JOULE")
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if bobBal.Int64() != 250 {
		t.Fatalf("bob balance = %s, want 250", bobBal)
	}

	minted, burned, err := m.Supply("JOULE")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if minted.Int64() != 1_000 || burned.Int64() != 150 {
		t.Fatalf("supply = minted %s burned %s, want 1000/150", minted, burned)
	}
}

func TestBurnAndTransferRejectShortfalls(t *testing.T) {
	m := newTestManager(t)
	alice := testAddr(t, 0xA1)
	bob := testAddr(t, 0xB2)

	if err := m.Mint(alice, "JOULE", big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.Burn(alice, "JOULE", big.NewInt(11)); err == nil {
		t.Fatal("expected burn above balance to fail")
	}
	if err := m.Transfer(alice, bob, "JOULE", big.NewInt(11)); err == nil {
		t.Fatal("expected transfer above balance to fail")
	}
	if err := m.Mint(alice, "JOULE", big.NewInt(0)); err == nil {
		t.Fatal("expected zero mint to fail")
	}
	if err := m.Mint(alice, "USDC", big.NewInt(1)); err == nil {
		t.Fatal("expected mint of unregistered token to fail")
	}

	balance, err := m.Balance(alice, "JOULE")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 10 {
		t.Fatalf("failed operations must not mutate balance, got %s", balance)
	}
}

func TestRolesSortedAndExclusive(t *testing.T) {
	m := newTestManager(t)
	alice := testAddr(t, 0xA1)
	bob := testAddr(t, 0x0B)

	if err := m.SetRole("oracle.owner", alice); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if !m.HasRole("oracle.owner", alice) {
		t.Fatal("alice should hold the role")
	}
	if m.HasRole("oracle.owner", bob) {
		t.Fatal("bob should not hold the role")
	}

	// Replacing the member list revokes prior holders immediately.
	if err := m.SetRole("oracle.owner", bob); err != nil {
		t.Fatalf("replace role: %v", err)
	}
	if m.HasRole("oracle.owner", alice) {
		t.Fatal("alice should have lost the role")
	}
	members, err := m.RoleMembers("oracle.owner")
	if err != nil {
		t.Fatalf("role members: %v", err)
	}
	if len(members) != 1 || !members[0].Equal(bob) {
		t.Fatalf("unexpected members %v", members)
	}

	// Duplicates collapse and the list stays sorted by payload.
	if err := m.SetRole("peg.feeder", bob, alice, bob); err != nil {
		t.Fatalf("set multi role: %v", err)
	}
	members, err = m.RoleMembers("peg.feeder")
	if err != nil {
		t.Fatalf("role members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if !members[0].Equal(bob) || !members[1].Equal(alice) {
		t.Fatalf("members not sorted by payload: %v", members)
	}
}

func TestKVRoundTrip(t *testing.T) {
	type record struct {
		Name  string
		Count uint64
	}
	m := newTestManager(t)

	ok, err := m.KVGet([]byte("oracle/state"), nil)
	if err != nil {
		t.Fatalf("kv get missing: %v", err)
	}
	if ok {
		t.Fatal("missing key should report absent")
	}
	if err := m.KVPut([]byte("oracle/state"), record{Name: "gateway", Count: 7}); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	var out record
	ok, err = m.KVGet([]byte("oracle/state"), &out)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if !ok || out.Name != "gateway" || out.Count != 7 {
		t.Fatalf("unexpected record %+v (ok=%v)", out, ok)
	}
}
