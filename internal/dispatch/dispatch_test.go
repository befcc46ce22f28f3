package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

func newTestTable() *connector.Table {
	tb := connector.New(nil)
	tb.Init(map[int]connector.Definition{1: {MaxPower: 22000}, 2: {MaxPower: 22000}}, 2, false, false, nil)
	return tb
}

func call(t *testing.T, action string, payload interface{}) *ocpp.Call {
	t.Helper()
	c, err := ocpp.NewCall(action, payload)
	if err != nil {
		t.Fatalf("failed to build call: %v", err)
	}
	return c
}

func TestDispatchClearCacheAlwaysAccepted(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	resp, ocppErr := h.Dispatch(call(t, "ClearCache", v16.ClearCacheRequest{}))
	if ocppErr != nil {
		t.Fatalf("unexpected error: %v", ocppErr)
	}
	if resp.(*v16.ClearCacheResponse).Status != "Accepted" {
		t.Errorf("expected Accepted, got %+v", resp)
	}
}

func TestDispatchResetFiresCallbackAndAccepts(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	done := make(chan bool, 1)
	h.OnReset = func(hard bool) { done <- hard }

	resp, ocppErr := h.Dispatch(call(t, "Reset", v16.ResetRequest{Type: "Hard"}))
	if ocppErr != nil {
		t.Fatalf("unexpected error: %v", ocppErr)
	}
	if resp.(*v16.ResetResponse).Status != "Accepted" {
		t.Errorf("expected Accepted, got %+v", resp)
	}
	if hard := <-done; !hard {
		t.Errorf("expected hard=true for a Hard reset")
	}
}

func TestDispatchUnlockConnectorUnknownConnectorNotSupported(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	resp, _ := h.Dispatch(call(t, "UnlockConnector", v16.UnlockConnectorRequest{ConnectorId: 99}))
	if resp.(*v16.UnlockConnectorResponse).Status != "NotSupported" {
		t.Errorf("expected NotSupported, got %+v", resp)
	}
}

func TestDispatchChangeConfigurationDelegatesToStore(t *testing.T) {
	store := configstore.New(nil)
	store.Add("MeterValueSampleInterval", "60", false, true, false)
	h := New(newTestTable(), store, nil)

	resp, _ := h.Dispatch(call(t, "ChangeConfiguration", v16.ChangeConfigurationRequest{Key: "MeterValueSampleInterval", Value: "30"}))
	if resp.(*v16.ChangeConfigurationResponse).Status != "Accepted" {
		t.Errorf("expected Accepted, got %+v", resp)
	}
	entry, _ := store.Get("MeterValueSampleInterval", false)
	if entry.Value != "30" {
		t.Errorf("expected store to be mutated to 30, got %s", entry.Value)
	}
}

func TestDispatchSetChargingProfileUnknownConnectorRejected(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	profile := v16.ChargingProfile{ChargingProfileId: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile, ChargingProfileKind: v16.ChargingProfileKindAbsolute}

	resp, _ := h.Dispatch(call(t, "SetChargingProfile", v16.SetChargingProfileRequest{ConnectorId: 99, CsChargingProfiles: profile}))
	if resp.(*v16.SetChargingProfileResponse).Status != "Rejected" {
		t.Errorf("expected Rejected for an unknown connector, got %+v", resp)
	}
}

func TestDispatchSetChargingProfileThenClearByConnector(t *testing.T) {
	table := newTestTable()
	h := New(table, configstore.New(nil), nil)
	table.Get(1).StartTransaction(1, "TAG1")
	profile := v16.ChargingProfile{ChargingProfileId: 1, StackLevel: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile, ChargingProfileKind: v16.ChargingProfileKindAbsolute}

	h.Dispatch(call(t, "SetChargingProfile", v16.SetChargingProfileRequest{ConnectorId: 1, CsChargingProfiles: profile}))
	if len(table.Get(1).ChargingProfiles) != 1 {
		t.Fatalf("expected the profile to be installed on connector 1")
	}

	resp, _ := h.Dispatch(call(t, "ClearChargingProfile", v16.ClearChargingProfileRequest{ConnectorId: intPtr(1)}))
	if resp.(*v16.ClearChargingProfileResponse).Status != "Accepted" {
		t.Errorf("expected Accepted, got %+v", resp)
	}
	if len(table.Get(1).ChargingProfiles) != 0 {
		t.Errorf("expected connector 1's profiles cleared")
	}
}

func TestDispatchChangeAvailabilityStationWideAppliesToAllConnectors(t *testing.T) {
	table := newTestTable()
	h := New(table, configstore.New(nil), nil)

	h.Dispatch(call(t, "ChangeAvailability", v16.ChangeAvailabilityRequest{ConnectorId: 0, Type: "Inoperative"}))

	for _, conn := range table.Physical() {
		if conn.GetAvailability() != connector.Inoperative {
			t.Errorf("expected connector %d to be Inoperative", conn.ID)
		}
		if conn.GetStatus() != v16.ChargePointStatusUnavailable {
			t.Errorf("expected connector %d status Unavailable, got %s", conn.ID, conn.GetStatus())
		}
	}
}

func TestDispatchChangeAvailabilityStationWideSchedulesWhenTransactionActive(t *testing.T) {
	table := connector.New(nil)
	table.Init(map[int]connector.Definition{0: {}, 1: {MaxPower: 22000}}, 1, true, false, nil)
	table.Get(1).StartTransaction(1, "TAG1")
	h := New(table, configstore.New(nil), nil)

	resp, _ := h.Dispatch(call(t, "ChangeAvailability", v16.ChangeAvailabilityRequest{ConnectorId: 0, Type: "Inoperative"}))
	if resp.(*v16.ChangeAvailabilityResponse).Status != "Scheduled" {
		t.Errorf("expected Scheduled while connector 1 has an active transaction, got %+v", resp)
	}
	if table.Get(0).GetAvailability() != connector.Inoperative {
		t.Errorf("expected connector 0's own availability to be set regardless of the Scheduled status")
	}
}

func TestDispatchRemoteStartTransactionRejectsReservedConnector(t *testing.T) {
	table := newTestTable()
	conn := table.Get(1)
	conn.Reservation = &connector.Reservation{ID: 1, IDTag: "OWNER", ExpiryDate: time.Now().Add(time.Hour)}

	h := New(table, configstore.New(nil), nil)
	connID := 1
	resp, _ := h.Dispatch(call(t, "RemoteStartTransaction", v16.RemoteStartTransactionRequest{ConnectorId: &connID, IdTag: "STRANGER"}))
	if resp.(*v16.RemoteStartTransactionResponse).Status != "Rejected" {
		t.Errorf("expected Rejected for a reservation held by a different idTag, got %+v", resp)
	}
}

func TestDispatchRemoteStartTransactionAcceptsAndFiresCallback(t *testing.T) {
	table := newTestTable()
	h := New(table, configstore.New(nil), nil)
	started := make(chan string, 1)
	h.OnRemoteStart = func(connectorID int, idTag string, profile *v16.ChargingProfile) { started <- idTag }

	connID := 1
	resp, _ := h.Dispatch(call(t, "RemoteStartTransaction", v16.RemoteStartTransactionRequest{ConnectorId: &connID, IdTag: "TAG1"}))
	if resp.(*v16.RemoteStartTransactionResponse).Status != "Accepted" {
		t.Fatalf("expected Accepted, got %+v", resp)
	}
	if got := <-started; got != "TAG1" {
		t.Errorf("expected callback idTag TAG1, got %s", got)
	}
}

func TestDispatchSetChargingProfileRejectsChargePointMaxProfileOnPhysicalConnector(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	profile := v16.ChargingProfile{ChargingProfileId: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeChargePointMaxProfile, ChargingProfileKind: v16.ChargingProfileKindAbsolute}

	resp, _ := h.Dispatch(call(t, "SetChargingProfile", v16.SetChargingProfileRequest{ConnectorId: 1, CsChargingProfiles: profile}))
	if resp.(*v16.SetChargingProfileResponse).Status != "Rejected" {
		t.Errorf("expected ChargePointMaxProfile on connector 1 to be Rejected, got %+v", resp)
	}
}

func TestDispatchSetChargingProfileRejectsTxProfileWithoutActiveTransaction(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	profile := v16.ChargingProfile{ChargingProfileId: 1, ChargingProfilePurpose: v16.ChargingProfilePurposeTxProfile, ChargingProfileKind: v16.ChargingProfileKindAbsolute}

	resp, _ := h.Dispatch(call(t, "SetChargingProfile", v16.SetChargingProfileRequest{ConnectorId: 1, CsChargingProfiles: profile}))
	if resp.(*v16.SetChargingProfileResponse).Status != "Rejected" {
		t.Errorf("expected TxProfile without an active transaction to be Rejected, got %+v", resp)
	}
}

func TestDispatchChangeAvailabilityRejectsConnectorOperativeWhenStationInoperative(t *testing.T) {
	table := connector.New(nil)
	table.Init(map[int]connector.Definition{0: {}, 1: {MaxPower: 22000}}, 1, true, false, nil)
	table.Get(0).SetAvailability(connector.Inoperative)
	h := New(table, configstore.New(nil), nil)

	resp, _ := h.Dispatch(call(t, "ChangeAvailability", v16.ChangeAvailabilityRequest{ConnectorId: 1, Type: "Operative"}))
	if resp.(*v16.ChangeAvailabilityResponse).Status != "Rejected" {
		t.Errorf("expected Rejected while station is Inoperative, got %+v", resp)
	}
}

func TestDispatchUnknownActionIsNotImplemented(t *testing.T) {
	h := New(newTestTable(), configstore.New(nil), nil)
	_, ocppErr := h.Dispatch(call(t, "SomeVendorExtension", json.RawMessage(`{}`)))
	if ocppErr == nil || ocppErr.Code != ocpp.ErrorCodeNotImplemented {
		t.Fatalf("expected NotImplemented, got %+v", ocppErr)
	}
}

func intPtr(v int) *int { return &v }
