package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/evse-sim/ocpp-station/internal/ocpp"
)

// pendingResult is what a correlated request resolves to: either a
// CALLRESULT payload or the OCPPError carried by a CALLERROR / timeout.
type pendingResult struct {
	payload json.RawMessage
	err     *ocpp.OCPPError
}

type pendingRequest struct {
	action string
	result chan pendingResult
	timer  *time.Timer
}

// pendingTable correlates outbound CALLs to their eventual CALLRESULT or
// CALLERROR by messageId, with timeout-based rejection. Each entry keeps the
// action name and a result channel; the request payload is not kept. A
// pending request that outlives its RPC timeout rejects itself.
type pendingTable struct {
	mu  sync.Mutex
	reg map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{reg: make(map[string]*pendingRequest)}
}

// register records a new in-flight request and arms its timeout.
func (t *pendingTable) register(id, action string, timeout time.Duration) chan pendingResult {
	ch := make(chan pendingResult, 1)
	req := &pendingRequest{action: action, result: ch}

	t.mu.Lock()
	t.reg[id] = req
	t.mu.Unlock()

	req.timer = time.AfterFunc(timeout, func() {
		t.reject(id, ocpp.NewOCPPError(ocpp.ErrorCodeGenericError, "request timed out"))
	})
	return ch
}

func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.reg[id]
	if ok {
		delete(t.reg, id)
	}
	return req, ok
}

// resolve delivers a CALLRESULT payload to the waiting caller, if any.
func (t *pendingTable) resolve(id string, payload json.RawMessage) bool {
	req, ok := t.take(id)
	if !ok {
		return false
	}
	req.timer.Stop()
	req.result <- pendingResult{payload: payload}
	return true
}

// reject delivers a CALLERROR or synthetic error to the waiting caller.
func (t *pendingTable) reject(id string, err *ocpp.OCPPError) bool {
	req, ok := t.take(id)
	if !ok {
		return false
	}
	req.timer.Stop()
	req.result <- pendingResult{err: err}
	return true
}

// rejectAll fails every in-flight request, used when the socket drops out
// from under them (spec.md §4.3).
func (t *pendingTable) rejectAll(err *ocpp.OCPPError) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.reg))
	for id := range t.reg {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.reject(id, err)
	}
}
