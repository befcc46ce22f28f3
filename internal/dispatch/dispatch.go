// Package dispatch implements the Command Dispatcher (spec.md §4.5): routing
// every inbound CALL to its OCPP 1.6 semantics against the connector table
// and configuration store, grounded on the teacher's per-action callback
// shape in internal/ocpp/v16/handler.go.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/ocpp"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// Handler routes one inbound CALL at a time. Every handler that implies a
// delayed or asynchronous side effect (a reset, a remote start) responds
// synchronously per spec.md §4.5 and triggers the side effect through a
// callback field, owned by the session/station layer that actually knows
// how to carry it out.
type Handler struct {
	log *slog.Logger

	Table *connector.Table
	Store *configstore.Store

	// OnReset is started in its own goroutine once a Reset is Accepted, so it
	// runs alongside the sending of the response; hard
	// reports whether the CSMS asked for "Hard" rather than "Soft".
	OnReset func(hard bool)
	// OnUnlockConnector physically unlocks a connector and reports success.
	// A nil callback means "always succeeds" (no physical lock to model).
	OnUnlockConnector func(connectorID int) bool
	// OnRemoteStart fires after an Accepted RemoteStartTransaction response
	// to begin the asynchronous Preparing -> StartTransaction flow.
	OnRemoteStart func(connectorID int, idTag string, profile *v16.ChargingProfile)
	// OnRemoteStop fires after an Accepted RemoteStopTransaction response.
	OnRemoteStop func(transactionID int)
	// OnStatusChange fires whenever a ChangeAvailability call mutates a
	// connector's status directly, so the station can emit the
	// StatusNotification spec.md §4.5 requires for that path.
	OnStatusChange func(conn *connector.Connector)

	// IsAuthorizedTag reports whether idTag is present in the
	// authorization-tag file. nil means no tag file was loaded.
	IsAuthorizedTag func(idTag string) bool
}

// New creates a dispatcher bound to one station's connector table and
// configuration store.
func New(table *connector.Table, store *configstore.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, Table: table, Store: store}
}

// Dispatch routes call to its handler and returns either a response payload
// to marshal into a CALLRESULT, or the OCPPError to marshal into a CALLERROR.
func (h *Handler) Dispatch(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	h.log.Debug("dispatching call", "action", call.Action, "id", call.UniqueID)

	switch v16.Action(call.Action) {
	case v16.ActionReset:
		return h.handleReset(call)
	case v16.ActionClearCache:
		return h.handleClearCache(call)
	case v16.ActionUnlockConnector:
		return h.handleUnlockConnector(call)
	case v16.ActionGetConfiguration:
		return h.handleGetConfiguration(call)
	case v16.ActionChangeConfiguration:
		return h.handleChangeConfiguration(call)
	case v16.ActionSetChargingProfile:
		return h.handleSetChargingProfile(call)
	case v16.ActionClearChargingProfile:
		return h.handleClearChargingProfile(call)
	case v16.ActionChangeAvailability:
		return h.handleChangeAvailability(call)
	case v16.ActionRemoteStartTransaction:
		return h.handleRemoteStartTransaction(call)
	case v16.ActionRemoteStopTransaction:
		return h.handleRemoteStopTransaction(call)
	default:
		return nil, ocpp.NewOCPPError(ocpp.ErrorCodeNotImplemented, fmt.Sprintf("action not implemented: %s", call.Action))
	}
}

func unmarshalPayload(call *ocpp.Call, v interface{}) *ocpp.OCPPError {
	if len(call.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Payload, v); err != nil {
		return ocpp.NewOCPPError(ocpp.ErrorCodeFormationViolation, err.Error())
	}
	return nil
}

func (h *Handler) handleReset(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.ResetRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	if h.OnReset != nil {
		hard := req.Type == "Hard"
		go h.OnReset(hard)
	}
	return &v16.ResetResponse{Status: "Accepted"}, nil
}

// handleClearCache always accepts: this simulator keeps no authorization
// cache to clear (spec.md Non-goals exclude a local authorization cache).
func (h *Handler) handleClearCache(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	return &v16.ClearCacheResponse{Status: "Accepted"}, nil
}

func (h *Handler) handleUnlockConnector(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.UnlockConnectorRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	conn := h.Table.Get(req.ConnectorId)
	if conn == nil {
		return &v16.UnlockConnectorResponse{Status: "NotSupported"}, nil
	}

	ok := true
	if h.OnUnlockConnector != nil {
		ok = h.OnUnlockConnector(req.ConnectorId)
	}
	if !ok {
		return &v16.UnlockConnectorResponse{Status: "UnlockFailed"}, nil
	}
	return &v16.UnlockConnectorResponse{Status: "Unlocked"}, nil
}

func (h *Handler) handleGetConfiguration(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.GetConfigurationRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	entries, unknown := h.Store.GetConfiguration(req.Key)
	kv := make([]v16.KeyValue, 0, len(entries))
	for _, e := range entries {
		kv = append(kv, v16.KeyValue{Key: e.Key, Readonly: e.Readonly, Value: e.Value})
	}
	return &v16.GetConfigurationResponse{ConfigurationKey: kv, UnknownKey: unknown}, nil
}

func (h *Handler) handleChangeConfiguration(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.ChangeConfigurationRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	result := h.Store.ChangeConfiguration(req.Key, req.Value)
	return &v16.ChangeConfigurationResponse{Status: string(result)}, nil
}

func (h *Handler) handleSetChargingProfile(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.SetChargingProfileRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	conn := h.Table.Get(req.ConnectorId)
	if conn == nil {
		return &v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}

	switch req.CsChargingProfiles.ChargingProfilePurpose {
	case v16.ChargingProfilePurposeChargePointMaxProfile:
		if req.ConnectorId != 0 {
			return &v16.SetChargingProfileResponse{Status: "Rejected"}, nil
		}
	case v16.ChargingProfilePurposeTxProfile:
		if req.ConnectorId == 0 || !conn.HasActiveTransaction() {
			return &v16.SetChargingProfileResponse{Status: "Rejected"}, nil
		}
	}

	conn.UpsertChargingProfile(req.CsChargingProfiles)
	return &v16.SetChargingProfileResponse{Status: "Accepted"}, nil
}

// handleClearChargingProfile applies spec.md §4.5's match rule across every
// connector when ConnectorId is absent, or just the named one otherwise.
func (h *Handler) handleClearChargingProfile(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.ClearChargingProfileRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	var purpose *string
	if req.ChargingProfilePurpose != nil {
		p := string(*req.ChargingProfilePurpose)
		purpose = &p
	}

	targets := h.Table.Physical()
	if req.ConnectorId != nil {
		conn := h.Table.Get(*req.ConnectorId)
		if conn == nil {
			return &v16.ClearChargingProfileResponse{Status: "Unknown"}, nil
		}
		targets = []*connector.Connector{conn}
	}

	removed := 0
	for _, conn := range targets {
		removed += conn.ClearChargingProfiles(req.Id, req.StackLevel, purpose)
	}
	if removed == 0 {
		return &v16.ClearChargingProfileResponse{Status: "Unknown"}, nil
	}
	return &v16.ClearChargingProfileResponse{Status: "Accepted"}, nil
}

func (h *Handler) handleChangeAvailability(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.ChangeAvailabilityRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	target := connector.Operative
	if req.Type == "Inoperative" {
		target = connector.Inoperative
	}

	if req.ConnectorId == 0 {
		status := "Accepted"
		if h.Table.ActiveTransactionCount() > 0 {
			status = "Scheduled"
		}
		if station := h.Table.Get(0); station != nil {
			h.applyAvailability(station, target)
		}
		for _, conn := range h.Table.Physical() {
			h.applyAvailability(conn, target)
		}
		return &v16.ChangeAvailabilityResponse{Status: status}, nil
	}

	conn := h.Table.Get(req.ConnectorId)
	if conn == nil {
		return &v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil
	}

	if station := h.Table.Get(0); station != nil && station.GetAvailability() == connector.Inoperative && target == connector.Operative {
		return &v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil
	}

	status := "Accepted"
	if conn.HasActiveTransaction() {
		status = "Scheduled"
	}
	h.applyAvailability(conn, target)
	return &v16.ChangeAvailabilityResponse{Status: status}, nil
}

func (h *Handler) applyAvailability(conn *connector.Connector, target connector.Availability) {
	conn.SetAvailability(target)
	if target == connector.Inoperative && !conn.HasActiveTransaction() {
		conn.SetStatus(v16.ChargePointStatusUnavailable)
	} else if target == connector.Operative && conn.GetStatus() == v16.ChargePointStatusUnavailable {
		conn.SetStatus(v16.ChargePointStatusAvailable)
	}
	if h.OnStatusChange != nil {
		h.OnStatusChange(conn)
	}
}

// handleRemoteStartTransaction guards on availability and reservation
// (SPEC_FULL.md "Supplemented features") before accepting; the actual
// StartTransaction CALL is driven asynchronously by OnRemoteStart.
func (h *Handler) handleRemoteStartTransaction(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.RemoteStartTransactionRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	connectorID := 1
	if req.ConnectorId != nil {
		connectorID = *req.ConnectorId
	}

	conn := h.Table.Get(connectorID)
	if conn == nil || conn.ID == 0 {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	if conn.GetAvailability() != connector.Operative || conn.HasActiveTransaction() {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	if conn.IsReserved() && !conn.IsReservedFor(req.IdTag) {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	if h.authorizeRemoteTxEnabled() && h.localAuthListEnabled() && h.IsAuthorizedTag != nil && !h.IsAuthorizedTag(req.IdTag) {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	if req.ChargingProfile != nil && req.ChargingProfile.ChargingProfilePurpose != v16.ChargingProfilePurposeTxProfile {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}

	if h.OnRemoteStart != nil {
		go h.OnRemoteStart(conn.ID, req.IdTag, req.ChargingProfile)
	}
	return &v16.RemoteStartTransactionResponse{Status: "Accepted"}, nil
}

// authorizeRemoteTxEnabled/localAuthListEnabled read the OCPP-standard
// boolean configuration keys spec.md §4.5's RemoteStartTransaction guard
// names; absent or unparseable defaults to false (no extra restriction).
func (h *Handler) authorizeRemoteTxEnabled() bool {
	return h.configBool("AuthorizeRemoteTxRequests")
}

func (h *Handler) localAuthListEnabled() bool {
	return h.configBool("LocalAuthListEnabled")
}

func (h *Handler) configBool(key string) bool {
	entry, ok := h.Store.Get(key, false)
	return ok && entry.Value == "true"
}

func (h *Handler) handleRemoteStopTransaction(call *ocpp.Call) (interface{}, *ocpp.OCPPError) {
	var req v16.RemoteStopTransactionRequest
	if err := unmarshalPayload(call, &req); err != nil {
		return nil, err
	}

	conn := h.Table.FindByTransactionID(req.TransactionId)
	if conn == nil {
		return &v16.RemoteStopTransactionResponse{Status: "Rejected"}, nil
	}

	if h.OnRemoteStop != nil {
		go h.OnRemoteStop(req.TransactionId)
	}
	return &v16.RemoteStopTransactionResponse{Status: "Accepted"}, nil
}
