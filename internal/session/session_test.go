package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/dispatch"
	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
	"github.com/evse-sim/ocpp-station/internal/transport"
)

// testBootServer accepts one WebSocket connection and answers every
// BootNotification CALL with the given registration status, echoing interval
// seconds back on Accepted.
func testBootServer(t *testing.T, status v16.RegistrationStatus, interval int) *httptest.Server {
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
			if call.Action != string(v16.ActionBootNotification) {
				continue
			}
			resp := v16.BootNotificationResponse{Status: status, Interval: interval, CurrentTime: v16.DateTime{Time: time.Now()}}
			cr, _ := ocpp.NewCallResult(call.UniqueID, resp)
			b, _ := cr.ToBytes()
			conn.WriteMessage(websocket.TextMessage, b)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestSession(t *testing.T, serverURL string) *Session {
	t.Helper()
	tr := transport.New(transport.Config{URL: serverURL, RPCTimeout: 2 * time.Second}, nil)
	table := connector.New(nil)
	table.Init(map[int]connector.Definition{1: {MaxPower: 22000}}, 1, false, false, nil)
	d := dispatch.New(table, configstore.New(nil), nil)
	cfg := Config{
		BootRetryInterval:         20 * time.Millisecond,
		ReconnectBackoffMin:       20 * time.Millisecond,
		ReconnectBackoffMax:       40 * time.Millisecond,
		ReconnectExponentialDelay: true,
		AutoReconnectMaxRetries:   -1,
		RegistrationMaxTries:      -1,
	}
	boot := func() v16.BootNotificationRequest {
		return v16.BootNotificationRequest{ChargePointVendor: "evse-sim", ChargePointModel: "sim-1"}
	}
	return New(cfg, tr, d, configstore.New(nil), boot, nil)
}

func TestSessionStartRegistersOnAccepted(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusAccepted, 5)
	defer server.Close()

	s := newTestSession(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State() != StateOpenRegistered {
		t.Errorf("expected StateOpenRegistered, got %s", s.State())
	}

	s.Stop()
}

func TestSessionStartRetriesThroughPendingBeforeAccepted(t *testing.T) {
	attempts := 0
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			if !ok || call.Action != string(v16.ActionBootNotification) {
				continue
			}
			attempts++
			status := v16.RegistrationStatusPending
			if attempts >= 2 {
				status = v16.RegistrationStatusAccepted
			}
			resp := v16.BootNotificationResponse{Status: status, Interval: 5, CurrentTime: v16.DateTime{Time: time.Now()}}
			cr, _ := ocpp.NewCallResult(call.UniqueID, resp)
			b, _ := cr.ToBytes()
			conn.WriteMessage(websocket.TextMessage, b)
		}
	}))
	defer server.Close()

	s := newTestSession(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 boot attempts before acceptance, got %d", attempts)
	}

	s.Stop()
}

func TestSessionStartAbandonsImmediatelyWhenRegistrationMaxTriesDisabled(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusRejected, 5)
	defer server.Close()

	tr := transport.New(transport.Config{URL: wsURL(server), RPCTimeout: 2 * time.Second}, nil)
	table := connector.New(nil)
	table.Init(map[int]connector.Definition{1: {MaxPower: 22000}}, 1, false, false, nil)
	d := dispatch.New(table, configstore.New(nil), nil)
	cfg := Config{BootRetryInterval: 10 * time.Millisecond, ReconnectBackoffMin: 10 * time.Millisecond, ReconnectBackoffMax: 20 * time.Millisecond, RegistrationMaxTries: 0}
	boot := func() v16.BootNotificationRequest {
		return v16.BootNotificationRequest{ChargePointVendor: "evse-sim", ChargePointModel: "sim-1"}
	}
	s := New(cfg, tr, d, configstore.New(nil), boot, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err == nil {
		t.Fatal("expected registration to be abandoned after the first Rejected response")
	}
}

func TestSessionHandleCloseNormalCodeDoesNotReconnect(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusAccepted, 5)
	defer server.Close()

	s := newTestSession(t, wsURL(server))
	s.setState(StateOpenRegistered)

	s.handleClose(transport.CloseNormal)

	time.Sleep(50 * time.Millisecond)
	if s.State() != StateDisconnected {
		t.Errorf("expected StateDisconnected after a normal close, got %s", s.State())
	}
}

func TestSessionHandleCloseAbnormalCodeReconnects(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusAccepted, 5)

	s := newTestSession(t, wsURL(server))
	// Simulate having been registered, then the connection dropping abnormally.
	s.setState(StateOpenRegistered)
	server.Close()

	s.handleClose(websocket.CloseAbnormalClosure)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateOpening {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected the reconnect loop to re-enter StateOpening, last seen %s", s.State())
}

func TestSessionHandleCloseDoesNotReconnectWhenAutoReconnectMaxRetriesIsZero(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusAccepted, 5)
	defer server.Close()

	s := newTestSession(t, wsURL(server))
	s.cfg.AutoReconnectMaxRetries = 0
	s.setState(StateOpenRegistered)

	s.handleClose(websocket.CloseAbnormalClosure)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.State() == StateOpening {
			t.Fatal("expected no reconnect attempt when AutoReconnectMaxRetries is 0")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected StateDisconnected, got %s", s.State())
	}
}

func TestSessionReconnectDelayUsesConnectionTimeoutWhenNotExponential(t *testing.T) {
	s := &Session{cfg: Config{ConnectionTimeout: 5 * time.Second, ReconnectBackoffMin: time.Second, ReconnectBackoffMax: 10 * time.Second}}
	if got := s.reconnectDelay(3); got != 5*time.Second {
		t.Errorf("expected the fixed ConnectionTimeout delay, got %s", got)
	}
}

func TestSessionReconnectDelayGrowsExponentiallyWhenEnabled(t *testing.T) {
	s := &Session{cfg: Config{
		ConnectionTimeout:         5 * time.Second,
		ReconnectBackoffMin:       time.Second,
		ReconnectBackoffMax:       10 * time.Second,
		ReconnectExponentialDelay: true,
	}}
	if got := s.reconnectDelay(1); got != time.Second {
		t.Errorf("expected the first attempt at ReconnectBackoffMin, got %s", got)
	}
	if got := s.reconnectDelay(3); got != 4*time.Second {
		t.Errorf("expected 1s doubled twice = 4s, got %s", got)
	}
	if got := s.reconnectDelay(10); got != 10*time.Second {
		t.Errorf("expected the delay to cap at ReconnectBackoffMax, got %s", got)
	}
}

func TestSessionRestartHeartbeatFromStoreArmsTicker(t *testing.T) {
	server := testBootServer(t, v16.RegistrationStatusAccepted, 5)
	defer server.Close()

	s := newTestSession(t, wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	s.store.Add(configstore.KeyHeartbeatInterval, "1", false, true, false)
	s.restartHeartbeatFromStore()

	s.mu.Lock()
	stop := s.heartbeatStop
	s.mu.Unlock()
	if stop == nil {
		t.Errorf("expected a fresh heartbeat ticker to be armed")
	}
}
