// Package station composes the Config Store, Connector Table, RPC Transport,
// Session Controller, Command Dispatcher, and Meter Sampler into one running
// charging station (spec.md §2, §3). Grounded on the teacher's
// internal/station/manager.go Station/Manager composition and shutdown
// ordering, narrowed from a multi-station MongoDB-backed fleet down to the
// single in-process station this module models.
package station

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/evse-sim/ocpp-station/internal/config"
	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/dispatch"
	"github.com/evse-sim/ocpp-station/internal/meter"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
	"github.com/evse-sim/ocpp-station/internal/session"
	"github.com/evse-sim/ocpp-station/internal/template"
	"github.com/evse-sim/ocpp-station/internal/transport"
)

// Info is the station's identity and electrical profile, derived once from
// its template at construction (spec.md §3 "stationInfo").
type Info struct {
	ChargingStationID         string
	VendorName                string
	Model                     string
	MaxPower                  float64
	ResetTime                 time.Duration
	Voltage                   float64
	NumberOfPhases            int
	OutputType                string // "AC" or "DC"
	PowerSharedByConnectors   bool
	RandomConnectors          bool
	UseConnectorID0           bool
	AuthorizeRemoteTxRequests bool
	EnableStatistics          bool
}

// Station is the root entity (spec.md §3): an integer index, an immutable
// chargingStationId, its stationInfo, and the lifecycle flags every
// supervision component reads.
type Station struct {
	Index int
	Info  Info

	log       *slog.Logger
	store     *configstore.Store
	table     *connector.Table
	transport *transport.Transport
	dispatch  *dispatch.Handler
	session   *session.Session

	templatePath string
	tagsPath     string
	randIndex    func(n int) int

	mu         sync.Mutex
	hasStopped bool
	tags       map[string]bool
}

// New builds a Station from a parsed template, the process-wide defaults,
// and a random-index source (nil uses math/rand, matching the teacher's own
// randomised connector/URL selection). templatePath/tagsPath are the files
// the template and tags were loaded from, used to watch for and reload
// changes (spec.md §4.4 "Template & authorization file watch"); either may
// be empty if the caller has nothing to watch.
func New(index int, tmpl *template.Template, tags []string, defaults config.DefaultsConfig, randIndex func(n int) int, log *slog.Logger, templatePath, tagsPath string) *Station {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("station", tmpl.ChargingStationID(index))

	if randIndex == nil {
		randIndex = func(n int) int { return rand.Intn(n) }
	}

	outputType := tmpl.PowerOutType
	if outputType == "" {
		outputType = "AC"
	}
	phases := tmpl.NumberOfPhases
	if phases == 0 {
		phases = 3
	}
	resetTime := defaults.ResetTime
	if tmpl.ResetTime > 0 {
		resetTime = time.Duration(tmpl.ResetTime) * time.Second
	}

	info := Info{
		ChargingStationID:         tmpl.ChargingStationID(index),
		VendorName:                tmpl.ChargePointVendor,
		Model:                     tmpl.ChargePointModel,
		MaxPower:                  tmpl.MaxPower(index),
		ResetTime:                 resetTime,
		Voltage:                   tmpl.VoltageOut,
		NumberOfPhases:            phases,
		OutputType:                outputType,
		PowerSharedByConnectors:   tmpl.PowerSharedByConnectors,
		RandomConnectors:          tmpl.RandomConnectors,
		UseConnectorID0:           tmpl.UseConnectorID0(),
		EnableStatistics:          tmpl.EnableStatistics,
	}

	store := configstore.New(log)
	for _, kv := range tmpl.InitialConfiguration() {
		store.Add(kv.Key, kv.Value, kv.Readonly, kv.Visible, kv.Reboot)
	}
	info.AuthorizeRemoteTxRequests = configBoolOf(store, "AuthorizeRemoteTxRequests")

	table := connector.New(log)
	table.Init(tmpl.ConnectorDefinitions(index), tmpl.NumConnectors(index), info.UseConnectorID0, info.RandomConnectors, randIndex)

	connectionTimeout := orDefault(time.Duration(tmpl.ConnectionTimeout)*time.Second, defaults.ConnectionTimeout)

	pingInterval := defaults.PingInterval
	if entry, ok := store.Get(configstore.KeyWebSocketPingInterval, false); ok {
		var seconds int
		if _, err := fmt.Sscanf(entry.Value, "%d", &seconds); err == nil {
			pingInterval = time.Duration(seconds) * time.Second
		}
	}

	tr := transport.New(transport.Config{
		URL:               fmt.Sprintf("%s/%s", tmpl.SupervisionURL(index, randIndex), info.ChargingStationID),
		ConnectionTimeout: connectionTimeout,
		RPCTimeout:        defaults.RPCTimeout,
		PingInterval:      pingInterval,
	}, log)

	tags2 := make(map[string]bool, len(tags))
	for _, t := range tags {
		tags2[t] = true
	}

	s := &Station{
		Index:        index,
		Info:         info,
		log:          log,
		store:        store,
		table:        table,
		transport:    tr,
		tags:         tags2,
		templatePath: templatePath,
		tagsPath:     tagsPath,
		randIndex:    randIndex,
	}

	d := dispatch.New(table, store, log)
	d.OnReset = s.handleReset
	d.OnUnlockConnector = s.handleUnlockConnector
	d.OnRemoteStart = s.handleRemoteStart
	d.OnRemoteStop = s.handleRemoteStop
	d.OnStatusChange = s.emitStatusChange
	d.IsAuthorizedTag = s.isAuthorizedTag
	s.dispatch = d

	sessionCfg := session.Config{
		BootRetryInterval:         defaults.BootRetryInterval,
		DefaultHeartbeat:          defaults.HeartbeatInterval,
		ReconnectBackoffMin:       defaults.ReconnectBackoffMin,
		ReconnectBackoffMax:       orDefault(defaults.ReconnectBackoffMax, 60*time.Second),
		ConnectionTimeout:         connectionTimeout,
		RegistrationMaxTries:      tmpl.RegistrationMaxTries(),
		AutoReconnectMaxRetries:   tmpl.AutoReconnectMaxRetries,
		ReconnectExponentialDelay: tmpl.ReconnectExponentialDelay,
	}
	s.session = session.New(sessionCfg, tr, d, store, s.bootInfo, log)
	s.session.OnReload = s.handleReload

	return s
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func configBoolOf(store *configstore.Store, key string) bool {
	entry, ok := store.Get(key, false)
	return ok && entry.Value == "true"
}

func (s *Station) bootInfo() v16.BootNotificationRequest {
	return v16.BootNotificationRequest{
		ChargePointVendor: s.Info.VendorName,
		ChargePointModel:  s.Info.Model,
	}
}

func (s *Station) isAuthorizedTag(idTag string) bool {
	s.mu.Lock()
	tags := s.tags
	s.mu.Unlock()
	if len(tags) == 0 {
		return false
	}
	return tags[idTag]
}

// handleReload re-reads the station template and authorization-tag files
// and applies them, fired by the Session Controller's file watch (spec.md
// §4.4 "Template & authorization file watch").
func (s *Station) handleReload() {
	if s.templatePath != "" {
		tmpl, err := template.LoadFile(s.templatePath)
		if err != nil {
			s.log.Warn("template reload failed", "path", s.templatePath, "error", err)
		} else {
			s.table.Init(tmpl.ConnectorDefinitions(s.Index), tmpl.NumConnectors(s.Index), tmpl.UseConnectorID0(), tmpl.RandomConnectors, s.randIndex)
		}
	}
	if s.tagsPath != "" {
		tags, err := template.LoadTags(s.tagsPath)
		if err != nil {
			s.log.Warn("authorization file reload failed", "path", s.tagsPath, "error", err)
			return
		}
		tags2 := make(map[string]bool, len(tags))
		for _, t := range tags {
			tags2[t] = true
		}
		s.mu.Lock()
		s.tags = tags2
		s.mu.Unlock()
	}
}

func (s *Station) powerDivider() int {
	return s.table.PowerDivider(s.Info.PowerSharedByConnectors)
}

// Start dials the transport, runs the boot handshake, and marks the station
// running (spec.md §5: "start after stop is supported").
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	s.hasStopped = false
	s.mu.Unlock()

	if err := s.session.Start(ctx); err != nil {
		return err
	}

	var watchPaths []string
	if s.templatePath != "" {
		watchPaths = append(watchPaths, s.templatePath)
	}
	if s.tagsPath != "" {
		watchPaths = append(watchPaths, s.tagsPath)
	}
	if len(watchPaths) > 0 {
		if err := s.session.WatchFiles(watchPaths...); err != nil {
			s.log.Warn("failed to watch template/authorization files", "error", err)
		}
	}
	return nil
}

// Stop is the authoritative terminal path (spec.md §5 "stop(reason)"): stop
// every running meter sampler, emit Status Unavailable per connector, close
// the socket, and mark hasStopped. Idempotent.
func (s *Station) Stop(reason v16.Reason) error {
	s.mu.Lock()
	if s.hasStopped {
		s.mu.Unlock()
		return nil
	}
	s.hasStopped = true
	s.mu.Unlock()

	for _, conn := range s.table.Physical() {
		if conn.HasActiveTransaction() {
			conn.ResetTransaction()
		}
		conn.SetStatus(v16.ChargePointStatusUnavailable)
		s.emitStatusChange(conn)
	}

	return s.session.Stop()
}

// handleReset implements spec.md §4.5's Reset row: schedule async
// stop(reason), sleep resetTime, start() again.
func (s *Station) handleReset(hard bool) {
	reason := v16.ReasonSoftReset
	if hard {
		reason = v16.ReasonHardReset
	}
	if err := s.Stop(reason); err != nil {
		s.log.Warn("reset: stop failed", "error", err)
	}

	time.Sleep(s.Info.ResetTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		s.log.Warn("reset: restart failed", "error", err)
	}
}

// handleUnlockConnector implements spec.md §4.5's UnlockConnector row: stop
// any active transaction with reason UnlockCommand and report whether the
// stop was accepted; otherwise just mark the connector Available.
func (s *Station) handleUnlockConnector(connectorID int) bool {
	conn := s.table.Get(connectorID)
	if conn == nil {
		return false
	}
	if !conn.HasActiveTransaction() {
		conn.SetStatus(v16.ChargePointStatusAvailable)
		s.emitStatusChange(conn)
		return true
	}
	return s.stopTransaction(conn, v16.ReasonUnlockCommand)
}

// handleRemoteStart implements the asynchronous half of spec.md §4.5's
// RemoteStartTransaction row and §4.5's "StartTransaction response handling".
func (s *Station) handleRemoteStart(connectorID int, idTag string, profile *v16.ChargingProfile) {
	conn := s.table.Get(connectorID)
	if conn == nil {
		return
	}

	conn.SetStatus(v16.ChargePointStatusPreparing)
	s.emitStatusChange(conn)

	if profile != nil {
		conn.UpsertChargingProfile(*profile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := s.session.SendStartTransaction(ctx, v16.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  conn.EnergyRegister(),
		Timestamp:   v16.DateTime{Time: time.Now()},
	})
	if err != nil {
		s.log.Warn("remote start: StartTransaction failed", "connector", connectorID, "error", err)
		conn.ResetTransaction()
		conn.SetStatus(s.availableOrUnavailable(conn))
		s.emitStatusChange(conn)
		return
	}

	if resp.IdTagInfo.Status != v16.AuthorizationStatusAccepted || conn.HasActiveTransaction() {
		conn.ResetTransaction()
		conn.SetStatus(s.availableOrUnavailable(conn))
		s.emitStatusChange(conn)
		return
	}

	conn.StartTransaction(resp.TransactionId, idTag)
	conn.SetStatus(v16.ChargePointStatusCharging)
	s.emitStatusChange(conn)
	s.startSampler(conn, resp.TransactionId)
}

// handleRemoteStop implements spec.md §4.5's RemoteStopTransaction row and
// §4.5's "StopTransaction response handling".
func (s *Station) handleRemoteStop(transactionID int) {
	conn := s.table.FindByTransactionID(transactionID)
	if conn == nil {
		return
	}
	s.stopTransaction(conn, v16.ReasonRemote)
}

// stopTransaction drives the shared StopTransaction flow UnlockConnector and
// RemoteStopTransaction both need, returning whether the CSMS accepted it.
func (s *Station) stopTransaction(conn *connector.Connector, reason v16.Reason) bool {
	conn.SetStatus(v16.ChargePointStatusFinishing)
	s.emitStatusChange(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	txID := conn.GetTransactionID()
	if txID == nil {
		return false
	}
	resp, err := s.session.SendStopTransaction(ctx, v16.StopTransactionRequest{
		IdTag:         conn.CurrentIDTag(),
		MeterStop:     conn.EnergyRegister(),
		Timestamp:     v16.DateTime{Time: time.Now()},
		TransactionId: *txID,
		Reason:        reason,
	})
	if err != nil {
		s.log.Warn("stop transaction failed", "connector", conn.ID, "error", err)
		return false
	}
	if resp.IdTagInfo == nil || resp.IdTagInfo.Status != v16.AuthorizationStatusAccepted {
		s.log.Warn("stop transaction not accepted", "connector", conn.ID)
		return false
	}

	conn.ResetTransaction()
	conn.SetStatus(s.availableOrUnavailable(conn))
	s.emitStatusChange(conn)
	return true
}

// availableOrUnavailable implements the "Available (or Unavailable if
// station or that connector is INOPERATIVE)" clause of spec.md §4.5's
// StopTransaction response handling.
func (s *Station) availableOrUnavailable(conn *connector.Connector) v16.ChargePointStatus {
	if conn.GetAvailability() == connector.Inoperative {
		return v16.ChargePointStatusUnavailable
	}
	if station := s.table.Get(0); station != nil && station.GetAvailability() == connector.Inoperative {
		return v16.ChargePointStatusUnavailable
	}
	return v16.ChargePointStatusAvailable
}

// startSampler resolves MeterValueSampleInterval (default 60000ms) and
// starts a Meter Sampler on conn, attaching its handle so ResetTransaction
// can stop it later (spec.md §4.5, §4.6, §9).
func (s *Station) startSampler(conn *connector.Connector, transactionID int) {
	interval := 60000 * time.Millisecond
	if entry, ok := s.store.Get("MeterValueSampleInterval", false); ok {
		var seconds int
		if _, err := fmt.Sscanf(entry.Value, "%d", &seconds); err == nil && seconds > 0 {
			interval = time.Duration(seconds) * time.Second
		}
	}

	sampler := meter.New(conn, transactionID, interval, meter.StationInfo{
		NumberOfPhases: s.Info.NumberOfPhases,
		OutputType:     s.Info.OutputType,
		Voltage:        s.Info.Voltage,
	}, s.powerDivider, s.store, s.session.SendMeterValues, s.log)

	conn.AttachSampler(sampler)
	sampler.Start()
}

// emitStatusChange sends a StatusNotification reflecting conn's current
// status, firing whenever an internal transition or a ChangeAvailability
// mutation changes it (spec.md §4.5).
func (s *Station) emitStatusChange(conn *connector.Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.session.SendStatusNotification(ctx, v16.StatusNotificationRequest{
		ConnectorId: conn.ID,
		ErrorCode:   v16.ChargePointErrorNoError,
		Status:      conn.GetStatus(),
		Timestamp:   &v16.DateTime{Time: time.Now()},
	})
	if err != nil {
		s.log.Warn("status notification failed", "connector", conn.ID, "error", err)
	}
}

// Stats exposes the RPC Transport's point-in-time snapshot (SPEC_FULL.md
// "Supplemented features": connection statistics surface).
func (s *Station) Stats() transport.Stats {
	return s.transport.Stats()
}

// State reports the Session Controller's current state (spec.md §4.4).
func (s *Station) State() session.State {
	return s.session.State()
}
