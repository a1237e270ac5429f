package escrow

import (
	"math/big"
	"reflect"
	"testing"

	"optionsettle/storage"
)

func TestStateEscrowRoundTrip(t *testing.T) {
	state := NewState(storage.NewMemDB())

	record := &Escrow{
		ID:    testID,
		Owner: owner,
		Phase: PhaseMinted,
		Option: OptionInfo{
			Underlying:         underlyingTok,
			Settlement:         settlementTok,
			UnderlyingDecimals: 18,
			Notional:           units(1000),
			Strike:             wad(11_000),
			Earliest:           testNow + 86400,
			Expiry:             testNow + 30*86400,
			Advanced:           AdvancedSettings{BorrowingAllowed: true, DelegateRegistry: testAddr(0x33)},
		},
		CreatedAt:   testNow,
		Minted:      true,
		TotalSupply: units(900),
		Shares:      map[[20]byte]*big.Int{holder: units(900)},
		Borrowed:    map[[20]byte]*big.Int{holder: units(100)},
		Exercised:   map[[20]byte]*big.Int{holder: units(100)},
	}
	if err := state.EscrowPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := state.EscrowGet(testID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(record, loaded) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", loaded, record)
	}
}

func TestStateAuctionRoundTrip(t *testing.T) {
	state := NewState(storage.NewMemDB())

	record := &Escrow{
		ID:    testID,
		Owner: owner,
		Phase: PhaseAuction,
		Option: OptionInfo{
			Underlying:         underlyingTok,
			Settlement:         settlementTok,
			UnderlyingDecimals: 18,
			Notional:           units(1000),
		},
		Auction:     func() *AuctionParams { p := testAuctionParams(); return &p }(),
		CreatedAt:   testNow,
		TotalSupply: big.NewInt(0),
		Shares:      map[[20]byte]*big.Int{},
		Borrowed:    map[[20]byte]*big.Int{},
		Exercised:   map[[20]byte]*big.Int{},
	}
	if err := state.EscrowPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := state.EscrowGet(testID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(record, loaded) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", loaded, record)
	}
}

func TestStateMissingEscrow(t *testing.T) {
	state := NewState(storage.NewMemDB())
	_, ok, err := state.EscrowGet([32]byte{0xff})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("missing escrow reported as present")
	}
}

func TestStateBalances(t *testing.T) {
	state := NewState(storage.NewMemDB())

	bal, err := state.Balance(owner, underlyingTok)
	if err != nil {
		t.Fatalf("read empty balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("empty balance = %s, want 0", bal)
	}
	if err := state.SetBalance(owner, underlyingTok, units(42)); err != nil {
		t.Fatalf("set: %v", err)
	}
	bal, err = state.Balance(owner, underlyingTok)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bal.Cmp(units(42)) != 0 {
		t.Fatalf("balance = %s, want %s", bal, units(42))
	}
	if err := state.SetBalance(owner, underlyingTok, big.NewInt(-1)); err == nil {
		t.Fatal("negative balance accepted")
	}

	// A second asset on the same address lives in the same account document
	// without clobbering the first.
	if err := state.SetBalance(owner, settlementTok, units(7)); err != nil {
		t.Fatalf("set second asset: %v", err)
	}
	bal, err = state.Balance(owner, underlyingTok)
	if err != nil || bal.Cmp(units(42)) != 0 {
		t.Fatalf("first asset after second write = %s err=%v", bal, err)
	}
	bal, err = state.Balance(owner, settlementTok)
	if err != nil || bal.Cmp(units(7)) != 0 {
		t.Fatalf("second asset = %s err=%v", bal, err)
	}
}
