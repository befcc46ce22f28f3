package connector

import (
	"testing"
	"time"

	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

func TestNewConnector(t *testing.T) {
	c := NewConnector(1, 22000)

	if c.ID != 1 {
		t.Errorf("Expected ID 1, got %d", c.ID)
	}
	if c.Availability != Operative {
		t.Errorf("Expected Operative, got %s", c.Availability)
	}
	if c.LastEnergyActiveImportRegisterValue != -1 {
		t.Errorf("Expected energy register -1 before any transaction, got %d", c.LastEnergyActiveImportRegisterValue)
	}
	if c.TransactionStarted {
		t.Errorf("Expected no transaction on a fresh connector")
	}
}

func TestStartTransactionSetsEnergyRegisterToZero(t *testing.T) {
	c := NewConnector(1, 22000)
	c.StartTransaction(7, "TAG1")

	if !c.TransactionStarted {
		t.Fatalf("expected TransactionStarted true")
	}
	if got := c.EnergyRegister(); got != 0 {
		t.Errorf("expected energy register reset to 0 on accept, got %d", got)
	}
	if id := c.GetTransactionID(); id == nil || *id != 7 {
		t.Errorf("expected transaction id 7, got %v", id)
	}
}

func TestResetTransactionClearsFieldsAndStopsSampler(t *testing.T) {
	c := NewConnector(1, 22000)
	c.StartTransaction(1, "TAG1")

	stopped := false
	c.Sampler = stopperFunc(func() { stopped = true })

	c.ResetTransaction()

	if c.TransactionStarted {
		t.Errorf("expected TransactionStarted false after reset")
	}
	if c.GetTransactionID() != nil {
		t.Errorf("expected nil transaction id after reset")
	}
	if c.EnergyRegister() != -1 {
		t.Errorf("expected energy register reset to -1, got %d", c.EnergyRegister())
	}
	if !stopped {
		t.Errorf("expected sampler to be stopped")
	}
}

type stopperFunc func()

func (f stopperFunc) Stop() { f() }

func TestIsReservedForRespectsExpiry(t *testing.T) {
	c := NewConnector(1, 22000)
	c.Reservation = &Reservation{ID: 1, IDTag: "TAG1", ExpiryDate: time.Now().Add(-time.Minute)}

	if c.IsReservedFor("TAG1") {
		t.Errorf("expected expired reservation to not match")
	}

	c.Reservation.ExpiryDate = time.Now().Add(time.Hour)
	if !c.IsReservedFor("TAG1") {
		t.Errorf("expected live reservation to match its idTag")
	}
	if c.IsReservedFor("OTHER") {
		t.Errorf("expected live reservation to not match a different idTag")
	}
}

func TestUpsertChargingProfileReplacesOnMatchingID(t *testing.T) {
	c := NewConnector(1, 22000)
	c.UpsertChargingProfile(v16.ChargingProfile{ChargingProfileId: 1, StackLevel: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile})
	c.UpsertChargingProfile(v16.ChargingProfile{ChargingProfileId: 1, StackLevel: 9, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile})

	if len(c.ChargingProfiles) != 1 {
		t.Fatalf("expected 1 profile after replace, got %d", len(c.ChargingProfiles))
	}
	if c.ChargingProfiles[0].StackLevel != 9 {
		t.Errorf("expected replaced profile to carry new StackLevel 9, got %d", c.ChargingProfiles[0].StackLevel)
	}
}

func TestUpsertChargingProfileAppendsOnNoMatch(t *testing.T) {
	c := NewConnector(1, 22000)
	c.UpsertChargingProfile(v16.ChargingProfile{ChargingProfileId: 1, StackLevel: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile})
	c.UpsertChargingProfile(v16.ChargingProfile{ChargingProfileId: 2, StackLevel: 2, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile})

	if len(c.ChargingProfiles) != 2 {
		t.Fatalf("expected 2 distinct profiles, got %d", len(c.ChargingProfiles))
	}
}

func TestClearChargingProfilesByStackLevelOnly(t *testing.T) {
	c := NewConnector(1, 22000)
	c.ChargingProfiles = []v16.ChargingProfile{
		{ChargingProfileId: 1, StackLevel: 2, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile},
		{ChargingProfileId: 2, StackLevel: 3, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile},
	}

	removed := c.ClearChargingProfiles(nil, intPtr(2), nil)
	if removed != 1 {
		t.Fatalf("expected 1 profile removed, got %d", removed)
	}
	if len(c.ChargingProfiles) != 1 || c.ChargingProfiles[0].ChargingProfileId != 2 {
		t.Errorf("expected profile id=2 (stackLevel=3) to remain, got %+v", c.ChargingProfiles)
	}
}

func intPtr(v int) *int { return &v }
