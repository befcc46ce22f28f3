package connector

import "testing"

func TestInitWithConnectorZero(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{
		0: {MaxPower: 1000},
		1: {MaxPower: 22000},
		2: {MaxPower: 22000},
	}
	tb.Init(defs, 2, true, false, nil)

	if tb.Get(0) == nil {
		t.Fatalf("expected connector 0 to exist when useConnectorId0 is true")
	}
	if tb.Count() != 2 {
		t.Fatalf("expected 2 physical connectors, got %d", tb.Count())
	}
}

func TestInitWithoutConnectorZero(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{
		0: {MaxPower: 1000},
		1: {MaxPower: 22000},
	}
	tb.Init(defs, 1, false, false, nil)

	if tb.Get(0) != nil {
		t.Fatalf("expected connector 0 to be absent when useConnectorId0 is false")
	}
}

func TestInitUnchangedPreservesLiveTransaction(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{1: {MaxPower: 22000}}
	tb.Init(defs, 1, false, false, nil)
	tb.Get(1).StartTransaction(5, "TAG1")

	tb.Init(defs, 1, false, false, nil)

	if !tb.Get(1).HasActiveTransaction() {
		t.Fatalf("expected re-init with an unchanged template to preserve the running transaction")
	}
}

func TestPowerDividerPowerSharedCountsActiveTransactionsOnly(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{1: {MaxPower: 22000}, 2: {MaxPower: 22000}}
	tb.Init(defs, 2, false, false, nil)

	if got := tb.PowerDivider(true); got != 0 {
		t.Fatalf("expected powerDivider 0 with no active transactions, got %d", got)
	}

	tb.Get(1).StartTransaction(1, "TAG1")
	if got := tb.PowerDivider(true); got != 1 {
		t.Fatalf("expected powerDivider 1 with one active transaction, got %d", got)
	}
}

func TestPowerDividerNotSharedEqualsConnectorCount(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{1: {MaxPower: 22000}, 2: {MaxPower: 22000}}
	tb.Init(defs, 2, false, false, nil)

	if got := tb.PowerDivider(false); got != 2 {
		t.Fatalf("expected powerDivider 2, got %d", got)
	}
}

func TestFindByTransactionID(t *testing.T) {
	tb := New(nil)
	defs := map[int]Definition{1: {MaxPower: 22000}, 2: {MaxPower: 22000}}
	tb.Init(defs, 2, false, false, nil)
	tb.Get(2).StartTransaction(42, "TAG1")

	found := tb.FindByTransactionID(42)
	if found == nil || found.ID != 2 {
		t.Fatalf("expected to find connector 2 by transaction id 42, got %+v", found)
	}
}
