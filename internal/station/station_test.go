package station

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evse-sim/ocpp-station/internal/config"
	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
	"github.com/evse-sim/ocpp-station/internal/template"
)

// fakeCSMS answers BootNotification/StatusNotification/Heartbeat/MeterValues
// unconditionally and lets the test control StartTransaction/StopTransaction
// responses, recording every action it receives.
type fakeCSMS struct {
	mu               sync.Mutex
	received         []string
	startTxnResponse v16.StartTransactionResponse
	stopTxnResponse  v16.StopTransactionResponse
}

func newFakeCSMS() *fakeCSMS {
	return &fakeCSMS{
		startTxnResponse: v16.StartTransactionResponse{
			IdTagInfo:     v16.IdTagInfo{Status: v16.AuthorizationStatusAccepted},
			TransactionId: 42,
		},
		stopTxnResponse: v16.StopTransactionResponse{
			IdTagInfo: &v16.IdTagInfo{Status: v16.AuthorizationStatusAccepted},
		},
	}
}

func (f *fakeCSMS) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeCSMS) server(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := ocpp.ParseMessage(data)
			if err != nil {
				continue
			}
			call, ok := msg.(*ocpp.Call)
			if !ok {
				continue
			}

			f.mu.Lock()
			f.received = append(f.received, call.Action)
			f.mu.Unlock()

			var payload interface{}
			switch v16.Action(call.Action) {
			case v16.ActionBootNotification:
				payload = v16.BootNotificationResponse{Status: v16.RegistrationStatusAccepted, Interval: 5, CurrentTime: v16.DateTime{Time: time.Now()}}
			case v16.ActionStatusNotification:
				payload = v16.StatusNotificationResponse{}
			case v16.ActionHeartbeat:
				payload = v16.HeartbeatResponse{CurrentTime: v16.DateTime{Time: time.Now()}}
			case v16.ActionMeterValues:
				payload = v16.MeterValuesResponse{}
			case v16.ActionStartTransaction:
				payload = f.startTxnResponse
			case v16.ActionStopTransaction:
				payload = f.stopTxnResponse
			default:
				continue
			}

			cr, _ := ocpp.NewCallResult(call.UniqueID, payload)
			b, _ := cr.ToBytes()
			conn.WriteMessage(websocket.TextMessage, b)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestStation(t *testing.T, serverURL string) *Station {
	t.Helper()
	tmpl := &template.Template{
		ChargePointModel:  "SimBox",
		ChargePointVendor: "evse-sim",
		BaseName:          "CP",
		Power:             template.NumberList{22000},
		NumberOfConnectors: template.NumberList{1},
		SupervisionURLs:   template.StringList{serverURL},
	}
	defaults := config.DefaultsConfig{
		ConnectionTimeout:   time.Second,
		RPCTimeout:          2 * time.Second,
		HeartbeatInterval:   time.Minute,
		BootRetryInterval:   20 * time.Millisecond,
		ResetTime:           20 * time.Millisecond,
		ReconnectBackoffMin: 20 * time.Millisecond,
	}
	maxRetries := -1
	tmpl.RegistrationMaxRetries = &maxRetries
	return New(0, tmpl, nil, defaults, func(n int) int { return 0 }, nil, "", "")
}

func TestStationStartRegistersAndConnectorsAvailable(t *testing.T) {
	csms := newFakeCSMS()
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop(v16.ReasonOther)

	conn := s.table.Get(1)
	if conn == nil {
		t.Fatal("expected connector 1 to exist")
	}
	if got := conn.GetStatus(); got != v16.ChargePointStatusAvailable {
		t.Errorf("expected connector 1 Available, got %q", got)
	}
}

func TestStationRemoteStartAcceptedStartsTransactionAndSampler(t *testing.T) {
	csms := newFakeCSMS()
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop(v16.ReasonOther)

	s.handleRemoteStart(1, "TAG1", nil)

	deadline := time.Now().Add(time.Second)
	conn := s.table.Get(1)
	for time.Now().Before(deadline) {
		if conn.HasActiveTransaction() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !conn.HasActiveTransaction() {
		t.Fatal("expected a transaction to be active after an Accepted RemoteStartTransaction")
	}
	if conn.GetStatus() != v16.ChargePointStatusCharging {
		t.Errorf("expected connector status Charging, got %s", conn.GetStatus())
	}
	if conn.Sampler == nil {
		t.Error("expected a meter sampler to be attached once charging")
	}
}

func TestStationRemoteStartRejectedResetsConnector(t *testing.T) {
	csms := newFakeCSMS()
	csms.startTxnResponse = v16.StartTransactionResponse{IdTagInfo: v16.IdTagInfo{Status: v16.AuthorizationStatusInvalid}}
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop(v16.ReasonOther)

	s.handleRemoteStart(1, "TAG1", nil)

	conn := s.table.Get(1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.GetStatus() == v16.ChargePointStatusAvailable {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn.HasActiveTransaction() {
		t.Error("expected no active transaction after an Invalid idTagInfo response")
	}
}

func TestStationUnlockConnectorWithoutTransactionSetsAvailable(t *testing.T) {
	csms := newFakeCSMS()
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop(v16.ReasonOther)

	if ok := s.handleUnlockConnector(1); !ok {
		t.Error("expected unlocking an idle connector to succeed")
	}
	if s.table.Get(1).GetStatus() != v16.ChargePointStatusAvailable {
		t.Errorf("expected connector status Available, got %s", s.table.Get(1).GetStatus())
	}
}

func TestStationUnlockConnectorWithActiveTransactionStopsIt(t *testing.T) {
	csms := newFakeCSMS()
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop(v16.ReasonOther)

	conn := s.table.Get(1)
	conn.StartTransaction(7, "TAG1")

	if ok := s.handleUnlockConnector(1); !ok {
		t.Error("expected UnlockConnector to succeed when the CSMS accepts the stop")
	}
	if conn.HasActiveTransaction() {
		t.Error("expected the transaction to be cleared after UnlockConnector")
	}
}

func TestStationStopIsIdempotent(t *testing.T) {
	csms := newFakeCSMS()
	server := csms.server(t)
	defer server.Close()

	s := newTestStation(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Stop(v16.ReasonOther); err != nil {
		t.Fatalf("unexpected error on first stop: %v", err)
	}
	if err := s.Stop(v16.ReasonOther); err != nil {
		t.Fatalf("expected the second stop to be a no-op, got: %v", err)
	}

	for _, conn := range s.table.Physical() {
		if conn.GetStatus() != v16.ChargePointStatusUnavailable {
			t.Errorf("expected connector %d Unavailable after stop, got %s", conn.ID, conn.GetStatus())
		}
	}
}
