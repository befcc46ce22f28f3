// Package session implements the Session Controller (spec.md §4.4): the
// state machine, boot handshake, heartbeat timer, and reconnect policy that
// sit on top of the RPC Transport. Grounded on the teacher's
// internal/connection/websocket.go reconnect()/handleDisconnect() for the
// backoff formula, generalized to fix the onError/onClose asymmetry the
// teacher's flat ctx.Done() check did not model (spec.md §9).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/dispatch"
	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
	"github.com/evse-sim/ocpp-station/internal/transport"
)

// State is the Session Controller's state machine (spec.md §4.4).
type State string

const (
	StateDisconnected     State = "Disconnected"
	StateOpening          State = "Opening"
	StateOpenUnregistered State = "Open-Unregistered"
	StateOpenRegistered   State = "Open-Registered"
	StateClosing          State = "Closing"
)

// BootInfo supplies the fields of a BootNotification request; the station
// owns the actual identity values.
type BootInfo func() v16.BootNotificationRequest

// Config configures one Session's timers and backoff policy.
type Config struct {
	BootRetryInterval   time.Duration
	DefaultHeartbeat    time.Duration
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
	// ConnectionTimeout is the fixed reconnect delay used when
	// ReconnectExponentialDelay is false (spec.md §4.4: "sleep reconnectDelay
	// ms ... else connectionTimeout x 1000"). Dials use the Transport's own
	// ConnectionTimeout as their handshake timeout, not this field.
	ConnectionTimeout time.Duration
	// RegistrationMaxTries is spec.md §4.4's registrationMaxRetries: -1 means
	// unlimited, 0 means disabled (the first non-Accepted response is
	// terminal), N>0 allows N retries beyond the first attempt. Station
	// construction must set this explicitly — Go's int zero value coincides
	// with "disabled", which is almost never the intended default.
	RegistrationMaxTries int
	// AutoReconnectMaxRetries is spec.md §4.4's autoReconnectMaxRetries: -1
	// reconnects indefinitely, 0 gives up after the first abnormal close,
	// N>0 allows N reconnect attempts.
	AutoReconnectMaxRetries int
	// ReconnectExponentialDelay selects exponentialDelay(count), growing the
	// reconnect delay from ReconnectBackoffMin to ReconnectBackoffMax,
	// instead of the fixed ConnectionTimeout delay (spec.md §4.4).
	ReconnectExponentialDelay bool
}

// Session owns the state machine and timers layered over one Transport.
type Session struct {
	cfg       Config
	log       *slog.Logger
	transport *transport.Transport
	dispatch  *dispatch.Handler
	store     *configstore.Store
	bootInfo  BootInfo

	mu    sync.Mutex
	state State

	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup

	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	OnReload func()
}

// New wires a Session over transport, with call routing through dispatch
// and configuration reads/writes through store.
func New(cfg Config, tr *transport.Transport, d *dispatch.Handler, store *configstore.Store, bootInfo BootInfo, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BootRetryInterval == 0 {
		cfg.BootRetryInterval = 30 * time.Second
	}
	if cfg.DefaultHeartbeat == 0 {
		cfg.DefaultHeartbeat = 60 * time.Second
	}
	if cfg.ReconnectBackoffMin == 0 {
		cfg.ReconnectBackoffMin = time.Second
	}
	if cfg.ReconnectBackoffMax == 0 {
		cfg.ReconnectBackoffMax = 60 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}

	s := &Session{cfg: cfg, log: log, transport: tr, dispatch: d, store: store, bootInfo: bootInfo, state: StateDisconnected}

	tr.IsRegistered = func() bool { return s.getState() == StateOpenRegistered }
	tr.OnCall = s.handleCall
	tr.OnClose = s.handleClose

	store.RestartHeartbeat = func() { s.restartHeartbeatFromStore() }
	store.RestartPing = func() { s.restartPingFromStore() }

	return s
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current Session Controller state (spec.md §4.4).
func (s *Session) State() State {
	return s.getState()
}

// Start dials the transport and runs the boot handshake to completion,
// blocking until Registered or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateOpening)
	if err := s.transport.Dial(ctx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	s.setState(StateOpenUnregistered)
	return s.bootHandshake(ctx)
}

// Stop closes the transport intentionally and tears down timers and file
// watches concurrently (SPEC_FULL.md "coordinated shutdown of timers").
func (s *Session) Stop() error {
	s.setState(StateClosing)

	var g errgroup.Group
	g.Go(func() error {
		s.stopHeartbeat()
		return nil
	})
	g.Go(func() error {
		return s.stopWatch()
	})
	err := g.Wait()

	s.transport.Close()
	s.setState(StateDisconnected)
	return err
}

// bootHandshake repeats BootNotification until Accepted, honoring Pending
// and Rejected (retry after BootRetryInterval). RegistrationMaxTries of -1
// never abandons; 0 abandons after the first non-Accepted response; N>0
// allows N retries beyond the first attempt before abandoning (spec.md
// §4.4, §9).
func (s *Session) bootHandshake(ctx context.Context) error {
	attempt := 0
	for {
		attempt++
		if s.cfg.RegistrationMaxTries != -1 && attempt > s.cfg.RegistrationMaxTries+1 {
			return fmt.Errorf("session: registration abandoned after %d attempts", attempt-1)
		}

		payload, err := s.transport.SendCall(ctx, string(v16.ActionBootNotification), s.bootInfo())
		if err != nil {
			s.log.Warn("boot notification failed", "attempt", attempt, "error", err)
			if !s.sleep(ctx, s.cfg.BootRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		var resp v16.BootNotificationResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("unmarshal BootNotification response: %w", err)
		}

		switch resp.Status {
		case v16.RegistrationStatusAccepted:
			s.setState(StateOpenRegistered)
			interval := time.Duration(resp.Interval) * time.Second
			if interval <= 0 {
				interval = s.cfg.DefaultHeartbeat
			}
			s.writeHeartbeatKeys(resp.Interval)
			s.startHeartbeat(interval)
			s.transport.FlushQueue()
			s.log.Info("registered", "heartbeat_interval", interval)
			return nil
		default:
			s.log.Info("boot notification not yet accepted", "status", resp.Status, "attempt", attempt)
			if !s.sleep(ctx, s.cfg.BootRetryInterval) {
				return ctx.Err()
			}
		}
	}
}

// writeHeartbeatKeys sets HeartbeatInterval/HeartBeatInterval from a BootNotification
// Accepted response (spec.md §4.4: "Write HeartBeatInterval and
// HeartbeatInterval keys from payload.interval"), updating a key the config
// store already carries and adding it when it is missing.
func (s *Session) writeHeartbeatKeys(seconds int) {
	value := fmt.Sprintf("%d", seconds)
	for _, key := range []string{configstore.KeyHeartbeatInterval, configstore.KeyHeartBeatInterval} {
		if _, ok := s.store.Get(key, false); ok {
			s.store.Set(key, value)
		} else {
			s.store.Add(key, value, false, true, false)
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// handleClose implements the reconnect decision spec.md §4.4/§9 describe:
// code-based, not flag-based. 1000/1005 are terminal-normal; everything
// else — including the 1006 this package's own error path reports — enters
// the reconnect loop (exponential backoff when ReconnectExponentialDelay is
// set, otherwise a fixed ConnectionTimeout delay).
func (s *Session) handleClose(code int) {
	s.setState(StateDisconnected)
	s.stopHeartbeat()

	if code == transport.CloseNormal || code == transport.CloseNoStatus {
		s.log.Info("session closed normally, not reconnecting", "code", code)
		return
	}

	go s.reconnectLoop(context.Background())
}

// reconnectLoop implements spec.md §4.4's reconnect rule: "If
// autoReconnectRetryCount < autoReconnectMaxRetries or max = -1: increment
// the count, sleep reconnectDelay ms ..., then reopen with a handshake
// timeout of reconnectDelay - 100ms ... Otherwise terminate with an error
// log." -1 reconnects forever, 0 never reconnects past the first abnormal
// close, N>0 allows exactly N attempts.
func (s *Session) reconnectLoop(ctx context.Context) {
	retryCount := 0
	for {
		if s.cfg.AutoReconnectMaxRetries != -1 && retryCount >= s.cfg.AutoReconnectMaxRetries {
			s.log.Error("reconnect attempts exhausted, giving up", "retries", retryCount, "max", s.cfg.AutoReconnectMaxRetries)
			return
		}
		retryCount++

		delay := s.reconnectDelay(retryCount)
		if !s.sleep(ctx, delay) {
			return
		}

		handshakeTimeout := delay - 100*time.Millisecond
		if handshakeTimeout <= 0 {
			handshakeTimeout = delay
		}

		s.setState(StateOpening)
		if err := s.transport.DialTimeout(ctx, handshakeTimeout); err != nil {
			s.log.Warn("reconnect attempt failed", "attempt", retryCount, "error", err)
			s.setState(StateDisconnected)
			continue
		}

		s.setState(StateOpenUnregistered)
		if err := s.bootHandshake(ctx); err != nil {
			s.log.Warn("post-reconnect boot handshake failed", "error", err)
			continue
		}
		return
	}
}

// reconnectDelay implements spec.md §4.4's "exponentialDelay(count) if
// enabled, else connectionTimeout" branch: exponential growth from
// ReconnectBackoffMin to ReconnectBackoffMax, or the fixed ConnectionTimeout.
func (s *Session) reconnectDelay(count int) time.Duration {
	if !s.cfg.ReconnectExponentialDelay {
		return s.cfg.ConnectionTimeout
	}
	d := s.cfg.ReconnectBackoffMin
	for i := 1; i < count; i++ {
		d *= 2
		if d >= s.cfg.ReconnectBackoffMax {
			return s.cfg.ReconnectBackoffMax
		}
	}
	return d
}

func (s *Session) handleCall(call *ocpp.Call) {
	resp, ocppErr := s.dispatch.Dispatch(call)
	if ocppErr != nil {
		if err := s.transport.SendError(call.UniqueID, ocppErr.Code, ocppErr.Message); err != nil {
			s.log.Warn("failed to send CALLERROR", "action", call.Action, "error", err)
		}
		return
	}
	if err := s.transport.SendResult(call.UniqueID, resp); err != nil {
		s.log.Warn("failed to send CALLRESULT", "action", call.Action, "error", err)
	}
}

func (s *Session) startHeartbeat(interval time.Duration) {
	s.stopHeartbeat()

	stop := make(chan struct{})
	s.mu.Lock()
	s.heartbeatStop = stop
	s.mu.Unlock()

	s.heartbeatWG.Add(1)
	go func() {
		defer s.heartbeatWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sendHeartbeat()
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.heartbeatWG.Wait()
}

func (s *Session) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.transport.SendCall(ctx, string(v16.ActionHeartbeat), v16.HeartbeatRequest{}); err != nil {
		s.log.Warn("heartbeat failed", "error", err)
	}
}

// restartHeartbeatFromStore re-reads HeartbeatInterval (preferring it over
// its HeartBeatInterval mirror) and restarts the ticker, per spec.md §4.1's
// ChangeConfiguration restart requirement.
func (s *Session) restartHeartbeatFromStore() {
	entry, ok := s.store.Get(configstore.KeyHeartbeatInterval, false)
	if !ok {
		entry, ok = s.store.Get(configstore.KeyHeartBeatInterval, false)
	}
	if !ok {
		return
	}
	seconds := 0
	fmt.Sscanf(entry.Value, "%d", &seconds)
	if seconds <= 0 {
		return
	}
	if s.getState() == StateOpenRegistered {
		s.startHeartbeat(time.Duration(seconds) * time.Second)
	}
}

func (s *Session) restartPingFromStore() {
	entry, ok := s.store.Get(configstore.KeyWebSocketPingInterval, false)
	if !ok {
		return
	}
	seconds := 0
	fmt.Sscanf(entry.Value, "%d", &seconds)
	if seconds <= 0 {
		return
	}
	s.transport.SetPingInterval(time.Duration(seconds) * time.Second)
}

// WatchFiles starts an fsnotify watch over the given paths (template and
// authorization-tag files); on any write/create event it invokes OnReload
// and restarts both the heartbeat and ping timers, resolving spec.md §9's
// open question on reload-driven interval changes: restart both rather than
// neither.
func (s *Session) WatchFiles(paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.watchWG.Add(1)
	go s.watchLoop(watcher)
	return nil
}

func (s *Session) watchLoop(watcher *fsnotify.Watcher) {
	defer s.watchWG.Done()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.log.Info("watched file changed, reloading", "file", ev.Name)
			if s.OnReload != nil {
				s.OnReload()
			}
			s.restartHeartbeatFromStore()
			s.restartPingFromStore()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("file watch error", "error", err)
		}
	}
}

func (s *Session) stopWatch() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	s.watchWG.Wait()
	return err
}

// SendStatusNotification, SendStartTransaction, SendStopTransaction,
// SendMeterValues and SendAuthorize are thin pass-throughs used by the
// meter/station packages to drive outbound CALLs through this Session's
// transport without reaching past it.

func (s *Session) SendStatusNotification(ctx context.Context, req v16.StatusNotificationRequest) error {
	_, err := s.transport.SendCall(ctx, string(v16.ActionStatusNotification), req)
	if err == transport.ErrQueued {
		return nil
	}
	return err
}

func (s *Session) SendStartTransaction(ctx context.Context, req v16.StartTransactionRequest) (*v16.StartTransactionResponse, error) {
	payload, err := s.transport.SendCall(ctx, string(v16.ActionStartTransaction), req)
	if err != nil {
		return nil, err
	}
	var resp v16.StartTransactionResponse
	if jsonErr := json.Unmarshal(payload, &resp); jsonErr != nil {
		return nil, jsonErr
	}
	return &resp, nil
}

func (s *Session) SendStopTransaction(ctx context.Context, req v16.StopTransactionRequest) (*v16.StopTransactionResponse, error) {
	payload, err := s.transport.SendCall(ctx, string(v16.ActionStopTransaction), req)
	if err != nil {
		return nil, err
	}
	var resp v16.StopTransactionResponse
	if jsonErr := json.Unmarshal(payload, &resp); jsonErr != nil {
		return nil, jsonErr
	}
	return &resp, nil
}

func (s *Session) SendMeterValues(ctx context.Context, req v16.MeterValuesRequest) error {
	_, err := s.transport.SendCall(ctx, string(v16.ActionMeterValues), req)
	if err == transport.ErrQueued {
		return nil
	}
	return err
}

func (s *Session) SendAuthorize(ctx context.Context, req v16.AuthorizeRequest) (*v16.AuthorizeResponse, error) {
	payload, err := s.transport.SendCall(ctx, string(v16.ActionAuthorize), req)
	if err != nil {
		return nil, err
	}
	var resp v16.AuthorizeResponse
	if jsonErr := json.Unmarshal(payload, &resp); jsonErr != nil {
		return nil, jsonErr
	}
	return &resp, nil
}
