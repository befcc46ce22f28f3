// Package transport implements the RPC Transport (spec.md §4.3): the single
// WebSocket connection to the CSMS, the pending-request correlation table,
// the offline send queue, and the boot-gate admission rule that only lets
// BootNotification cross the wire before the station is Registered.
//
// Reconnection policy itself belongs to the session package, which owns the
// state machine; this package only reports every connection termination
// through OnClose with a close code, following the browser WebSocket
// convention this module is built to resemble: a low-level transport error
// (OnError) is purely advisory and never by itself decides anything, while
// OnClose always fires exactly once per connection and carries the close
// code the reconnect decision is made from (1000/1005 terminal-normal,
// anything else reconnect-worthy).
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// ErrQueued is returned by SendCall when the boot gate refused admission and
// the call was buffered on the offline queue instead of sent.
var ErrQueued = errors.New("transport: call queued, not yet admitted to send")

// Config holds everything needed to dial and operate one connection.
type Config struct {
	URL               string
	Subprotocol       string
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	// PingInterval is the WebSocket ping cadence (spec.md §4.4: "Non-positive
	// => disabled"). Zero or negative starts no ping timer at all.
	PingInterval time.Duration
	RPCTimeout   time.Duration

	TLSSkipVerify bool

	BasicAuthUsername string
	BasicAuthPassword string
}

// Stats is a point-in-time snapshot, returned by Stats() (spec.md §4.3).
type Stats struct {
	Open              bool
	ConnectedAt       *time.Time
	DisconnectedAt    *time.Time
	MessagesSent      int64
	MessagesReceived  int64
	QueueDepth        int
	PendingRequests   int
}

// Transport owns exactly one WebSocket connection at a time. A session
// reconnects by calling Dial again after a termination; the Transport keeps
// its pending table and offline queue across reconnects.
type Transport struct {
	cfg Config
	log *slog.Logger

	// IsRegistered reports whether the station has completed the boot
	// handshake (session sets this). Until it returns true, only
	// BootNotification is admitted onto the wire (spec.md §4.3).
	IsRegistered func() bool

	// OnCall fires for every inbound CALL frame.
	OnCall func(call *ocpp.Call)
	// OnClose fires exactly once per connection, with the close code that
	// ended it. code 1000/1005 is terminal-normal; anything else should
	// be treated as reconnect-worthy by the caller.
	OnClose func(code int)
	// OnError is advisory only: logged/surfaced, never a reconnect trigger.
	OnError func(err error)

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	stats  Stats
	done   chan struct{}
	closed sync.Once

	writeMu sync.Mutex

	pending *pendingTable
	queue   *offlineQueue

	pingReset   chan time.Duration
	pingRunning bool
}

// Close codes the reconnect decision is made from (spec.md §4.4, §9): 1000
// and 1005 are terminal-normal, everything else is reconnect-worthy. Exposed
// here so the session package never needs to import gorilla/websocket
// itself.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseNoStatus = websocket.CloseNoStatusReceived
)

// New creates a Transport; Dial must be called before any Send.
func New(cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = "ocpp1.6"
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 30 * time.Second
	}

	return &Transport{
		cfg:     cfg,
		log:     log,
		pending: newPendingTable(),
		queue:   newOfflineQueue(),
	}
}

// Dial opens the WebSocket connection and starts its read and ping pumps,
// using Config.ConnectionTimeout as the handshake timeout. Each call
// replaces the previous connection's termination machinery, so it is safe
// to call again after OnClose has fired.
func (t *Transport) Dial(ctx context.Context) error {
	return t.DialTimeout(ctx, t.cfg.ConnectionTimeout)
}

// DialTimeout is Dial with an explicit handshake timeout, used by the
// session's reconnect loop to apply spec.md §4.4's "handshake timeout of
// reconnectDelay - 100ms" rule.
func (t *Transport) DialTimeout(ctx context.Context, handshakeTimeout time.Duration) error {
	headers := http.Header{}
	if t.cfg.BasicAuthUsername != "" {
		headers.Set("Authorization", basicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{t.cfg.Subprotocol},
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: t.cfg.TLSSkipVerify},
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	defer resp.Body.Close()

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.closed = sync.Once{}
	t.done = make(chan struct{})
	now := time.Now()
	t.stats.Open = true
	t.stats.ConnectedAt = &now
	t.stats.DisconnectedAt = nil
	t.pingReset = make(chan time.Duration, 1)
	pingInterval := t.cfg.PingInterval
	t.mu.Unlock()

	t.log.Info("transport connected", "url", t.cfg.URL, "subprotocol", conn.Subprotocol())

	go t.readPump()
	if pingInterval > 0 {
		go t.pingPump(pingInterval)
	}
	return nil
}

// Close ends the connection intentionally, via a normal close frame. Because
// the session's reconnect decision is driven entirely by the close code
// OnClose reports, sending CloseNormalClosure here is what makes an
// intentional shutdown distinguishable from a dropped connection without any
// separate "was this requested" flag.
func (t *Transport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.cfg.WriteTimeout))
	t.writeMu.Unlock()

	t.terminate(websocket.CloseNormalClosure, nil)
}

func (t *Transport) readPump() {
	t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if code, ok := closeCodeOf(err); ok {
				t.terminate(code, nil)
			} else {
				t.emitError(err)
				t.terminate(websocket.CloseAbnormalClosure, err)
			}
			return
		}

		t.mu.Lock()
		t.stats.MessagesReceived++
		t.mu.Unlock()

		t.handleIncoming(data)
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
}

// pingPump runs the ping timer for as long as the interval stays positive;
// a reset value of zero or less (via SetPingInterval) stops it, matching
// spec.md §4.4's "Non-positive => disabled".
func (t *Transport) pingPump(interval time.Duration) {
	t.mu.Lock()
	done := t.done
	resetCh := t.pingReset
	t.pingRunning = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pingRunning = false
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case next := <-resetCh:
			if next <= 0 {
				return
			}
			ticker.Reset(next)
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.emitError(err)
				t.terminate(websocket.CloseAbnormalClosure, err)
				return
			}
		}
	}
}

// SetPingInterval changes the WebSocket ping cadence of the running
// connection, used when WebSocketPingInterval is reconfigured and after each
// template reload (spec.md §9: "restart both timers on template-driven
// interval change"; §8: "changing it to >0 via ChangeConfiguration starts
// one"). d <= 0 stops any running ping timer; d > 0 starts one if none was
// running. With no connection open it only records d for the next Dial.
func (t *Transport) SetPingInterval(d time.Duration) {
	t.mu.Lock()
	t.cfg.PingInterval = d
	resetCh := t.pingReset
	running := t.pingRunning
	open := t.open
	t.mu.Unlock()

	if d > 0 && !running && open {
		go t.pingPump(d)
		return
	}
	if resetCh == nil {
		return
	}
	select {
	case resetCh <- d:
	default:
	}
}

// terminate is the single path that ends a connection: it runs exactly once
// per Dial (guarded by t.closed), rejects every in-flight request, and
// reports the close code through OnClose.
func (t *Transport) terminate(code int, err error) {
	t.closed.Do(func() {
		t.mu.Lock()
		t.open = false
		now := time.Now()
		t.stats.Open = false
		t.stats.DisconnectedAt = &now
		conn := t.conn
		done := t.done
		t.mu.Unlock()

		if done != nil {
			close(done)
		}
		if conn != nil {
			conn.Close()
		}

		t.pending.rejectAll(ocpp.NewOCPPError(ocpp.ErrorCodeGenericError, "connection closed"))

		if err != nil {
			t.log.Warn("transport terminated", "code", code, "error", err)
		} else {
			t.log.Info("transport terminated", "code", code)
		}

		if t.OnClose != nil {
			t.OnClose(code)
		}
	})
}

func (t *Transport) emitError(err error) {
	t.log.Warn("transport error", "error", err)
	if t.OnError != nil {
		t.OnError(err)
	}
}

func (t *Transport) handleIncoming(data []byte) {
	msg, err := ocpp.ParseMessage(data)
	if err != nil {
		t.log.Warn("discarding unparsable frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		if t.OnCall != nil {
			t.OnCall(m)
		}
	case *ocpp.CallResult:
		t.pending.resolve(m.UniqueID, m.Payload)
	case *ocpp.CallError:
		t.pending.reject(m.UniqueID, m.AsOCPPError())
	}
}

func (t *Transport) rawSend(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.stats.MessagesSent++
	t.mu.Unlock()
	return nil
}

func (t *Transport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) admitted(action string) bool {
	if !t.isOpen() {
		return false
	}
	if action == string(v16.ActionBootNotification) {
		return true
	}
	return t.IsRegistered != nil && t.IsRegistered()
}

// SendCall sends an outbound CALL and blocks for its CALLRESULT/CALLERROR,
// subject to the boot-gate admission rule (spec.md §4.3): "a send is
// attempted only if the WebSocket is OPEN and either the station
// isRegistered() or the action is BootNotification." A refused call is
// buffered on the offline queue and ErrQueued is returned immediately rather
// than blocking — the caller is expected to retry the boot handshake or wait
// for FlushQueue to replay it.
func (t *Transport) SendCall(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	call, err := ocpp.NewCall(action, payload)
	if err != nil {
		return nil, ocpp.NewOCPPError(ocpp.ErrorCodeFormationViolation, err.Error())
	}
	data, err := call.ToBytes()
	if err != nil {
		return nil, ocpp.NewOCPPError(ocpp.ErrorCodeFormationViolation, err.Error())
	}

	if !t.admitted(action) {
		t.queue.enqueue(call.UniqueID, action, data)
		return nil, ErrQueued
	}

	resultCh := t.pending.register(call.UniqueID, action, t.cfg.RPCTimeout)
	if err := t.rawSend(data); err != nil {
		t.pending.reject(call.UniqueID, ocpp.NewOCPPError(ocpp.ErrorCodeGenericError, err.Error()))
		return nil, ocpp.NewOCPPError(ocpp.ErrorCodeGenericError, err.Error())
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, ocpp.NewOCPPError(ocpp.ErrorCodeGenericError, "context cancelled")
	}
}

// FlushQueue replays every buffered call in FIFO order, now that the boot
// gate has opened (spec.md §4.3, §9). Replayed calls are fire-and-forget:
// their eventual result is logged, not returned, since the original caller
// is long gone.
func (t *Transport) FlushQueue() {
	for _, f := range t.queue.drain() {
		if err := t.rawSend(f.data); err != nil {
			t.emitError(err)
			continue
		}
		ch := t.pending.register(f.id, f.action, t.cfg.RPCTimeout)
		go func(action string, ch chan pendingResult) {
			if res := <-ch; res.err != nil {
				t.log.Warn("queued call rejected on replay", "action", action, "error", res.err)
			}
		}(f.action, ch)
	}
}

// SendResult answers an inbound CALL with a CALLRESULT. Responses are never
// gated or queued: if the socket is down the write simply fails, since there
// is no caller left on the other end to retry for.
func (t *Transport) SendResult(id string, payload interface{}) error {
	cr, err := ocpp.NewCallResult(id, payload)
	if err != nil {
		return err
	}
	data, err := cr.ToBytes()
	if err != nil {
		return err
	}
	return t.rawSend(data)
}

// SendError answers an inbound CALL with a CALLERROR.
func (t *Transport) SendError(id string, code ocpp.ErrorCode, desc string) error {
	ce, err := ocpp.NewCallError(id, code, desc, nil)
	if err != nil {
		return err
	}
	data, err := ce.ToBytes()
	if err != nil {
		return err
	}
	return t.rawSend(data)
}

// Stats returns a point-in-time snapshot (spec.md §4.3: "Stats() snapshot").
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.QueueDepth = t.queue.len()
	t.pending.mu.Lock()
	s.PendingRequests = len(t.pending.reg)
	t.pending.mu.Unlock()
	return s
}

func closeCodeOf(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
