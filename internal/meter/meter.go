// Package meter implements the Meter Sampler (spec.md §4.6): a per-connector
// periodic task that synthesises a MeterValues message from the connector's
// template and current transaction context. Grounded on the teacher's
// internal/station/session.go startMeterValueSimulation/sendMeterValue
// ticker-goroutine shape, expanded from its fixed two-measurand/60s version
// into the full per-measurand synthesis spec.md §4.6 describes.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evse-sim/ocpp-station/internal/configstore"
	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// SendFunc transmits a completed MeterValues request. The station wires this
// to the Session Controller's SendMeterValues.
type SendFunc func(ctx context.Context, req v16.MeterValuesRequest) error

// StationInfo carries the station-wide electrical characteristics that drive
// synthesis (spec.md §3 "stationInfo").
type StationInfo struct {
	NumberOfPhases int
	OutputType     string // "AC" or "DC"
	Voltage        float64
}

// PowerDividerFunc is queried fresh on every tick, since it can change as
// transactions start/stop elsewhere on the station (spec.md §3).
type PowerDividerFunc func() int

// Sampler is the cancellable per-connector tick loop started on transaction
// accept (spec.md §4.6: "Started per connector on transaction accept").
type Sampler struct {
	conn          *connector.Connector
	transactionID int
	info          StationInfo
	powerDivider  PowerDividerFunc
	store         *configstore.Store
	send          SendFunc
	interval      time.Duration
	log           *slog.Logger

	stop chan struct{}
	once sync.Once
}

// New creates a Sampler; call Start to begin ticking. interval is the
// already-resolved `MeterValueSampleInterval × 1000` ms value, default
// 60000ms (spec.md §4.5 "StartTransaction response handling").
func New(conn *connector.Connector, transactionID int, interval time.Duration, info StationInfo, powerDivider PowerDividerFunc, store *configstore.Store, send SendFunc, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		conn:          conn,
		transactionID: transactionID,
		info:          info,
		powerDivider:  powerDivider,
		store:         store,
		send:          send,
		interval:      interval,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Start launches the tick goroutine. Satisfies connector.SamplerHandle
// together with Stop.
func (s *Sampler) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop ends the tick loop. Safe to call more than once (spec.md §9: "the
// sampler handle ... is cleared by resetTransactionOnConnector").
func (s *Sampler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// tick synthesises one MeterValues message. Errors are caught and logged,
// never crashing the timer (spec.md §4.6: "the tick does not crash the
// timer").
func (s *Sampler) tick() {
	divider := s.powerDivider()
	if divider <= 0 {
		s.log.Error("meter sampler: powerDivider undefined or zero, failing this tick", "connector", s.conn.ID)
		return
	}

	sampledData, filtered := s.sampledMeasurands()
	entries := s.conn.MeterValues
	if len(entries) == 0 {
		entries = []connector.MeterValueTemplate{{Measurand: v16.MeasurandEnergyActiveImportRegister}}
	}

	var samples []v16.SampledValue
	for _, entry := range entries {
		measurand := entry.Measurand
		if measurand == "" {
			measurand = v16.MeasurandEnergyActiveImportRegister
		}
		if filtered && !sampledData[string(measurand)] {
			continue
		}

		switch measurand {
		case v16.MeasurandEnergyActiveImportRegister:
			samples = append(samples, s.sampleEnergy(entry, divider))
		case v16.MeasurandPowerActiveImport:
			samples = append(samples, s.samplePower(entry, divider)...)
		case v16.MeasurandCurrentImport:
			samples = append(samples, s.sampleCurrent(entry, divider)...)
		case v16.MeasurandVoltage:
			samples = append(samples, s.sampleVoltage(entry)...)
		case v16.MeasurandSoC:
			samples = append(samples, s.sampleSoC(entry))
		default:
			s.log.Warn("meter sampler: unhandled measurand in template, skipping", "measurand", measurand)
		}
	}

	if len(samples) == 0 {
		return
	}

	req := v16.MeterValuesRequest{
		ConnectorId:   s.conn.ID,
		TransactionId: &s.transactionID,
		MeterValue: []v16.MeterValue{{
			Timestamp:    v16.DateTime{Time: time.Now()},
			SampledValue: samples,
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.send(ctx, req); err != nil {
		s.log.Warn("meter sampler: failed to send MeterValues", "connector", s.conn.ID, "error", err)
	}
}

// sampledMeasurands reads the MeterValuesSampledData configuration key; an
// absent key means "no filtering", matching spec.md §4.6's filter rule being
// meaningful only once the CSMS has actually configured it.
func (s *Sampler) sampledMeasurands() (set map[string]bool, filtered bool) {
	entry, ok := s.store.Get("MeterValuesSampledData", false)
	if !ok || entry.Value == "" {
		return nil, false
	}
	set = make(map[string]bool)
	for _, m := range strings.Split(entry.Value, ",") {
		set[strings.TrimSpace(m)] = true
	}
	return set, true
}

// sampleEnergy implements spec.md §4.6's Energy.Active.Import.Register rule:
// template value when present, else a random delta sanity-capped against the
// tick's theoretical maximum.
func (s *Sampler) sampleEnergy(entry connector.MeterValueTemplate, divider int) v16.SampledValue {
	var value int
	if entry.Value != nil {
		value = int(*entry.Value)
		s.conn.AddEnergy(float64(value) - float64(s.conn.EnergyRegister()))
	} else {
		maxPower := s.conn.MaxPower
		ms := float64(s.interval / time.Millisecond)
		deltaWh := randFloat(maxPower / (float64(divider) * 3600000) * ms)
		value = s.conn.AddEnergy(deltaWh)

		sanityCap := int(math.Round(maxPower * 3600 / (float64(divider) * ms)))
		if value > sanityCap {
			s.log.Warn("meter sampler: energy register sanity cap exceeded", "connector", s.conn.ID, "value", value, "cap", sanityCap)
		}
	}

	return v16.SampledValue{
		Value:     strconv.Itoa(value),
		Context:   v16.ReadingContextSamplePeriodic,
		Measurand: v16.MeasurandEnergyActiveImportRegister,
		Unit:      v16.UnitOfMeasureWh,
		Location:  v16.LocationOutlet,
	}
}

// samplePower implements spec.md §4.6's Power.Active.Import per-phase
// synthesis: AC 3-phase emits an aggregate plus one sample per phase; AC
// 1-phase emits the aggregate plus an L1-N sample; DC and any other phase
// count emit only the aggregate.
func (s *Sampler) samplePower(entry connector.MeterValueTemplate, divider int) []v16.SampledValue {
	maxPowerPerConnector := s.conn.MaxPower / float64(divider)

	if s.info.OutputType == "DC" || s.info.NumberOfPhases != 3 {
		allPhases := randFloat(maxPowerPerConnector)
		if s.info.OutputType != "DC" && s.info.NumberOfPhases == 1 {
			l1 := allPhases
			return []v16.SampledValue{
				powerSample(roundTo2(allPhases), ""),
				powerSample(roundTo2(l1), "L1-N"),
			}
		}
		return []v16.SampledValue{powerSample(roundTo2(allPhases), "")}
	}

	perPhase := maxPowerPerConnector / 3
	l1 := randFloat(perPhase)
	l2 := randFloat(perPhase)
	l3 := randFloat(perPhase)
	all := roundTo2(l1 + l2 + l3)

	return []v16.SampledValue{
		powerSample(all, ""),
		powerSample(roundTo2(l1), "L1-N"),
		powerSample(roundTo2(l2), "L2-N"),
		powerSample(roundTo2(l3), "L3-N"),
	}
}

func powerSample(value float64, phase string) v16.SampledValue {
	return v16.SampledValue{
		Value:     strconv.FormatFloat(value, 'f', 2, 64),
		Context:   v16.ReadingContextSamplePeriodic,
		Measurand: v16.MeasurandPowerActiveImport,
		Unit:      v16.UnitOfMeasureW,
		Location:  v16.LocationOutlet,
		Phase:     phase,
	}
}

// sampleCurrent implements spec.md §4.6's Current.Import synthesis: the
// per-connector maxAmperage is derived from the AC per-phase or DC total
// formula, then phases are synthesized the same way as power, with the
// aggregate taken as the arithmetic mean rather than the sum.
func (s *Sampler) sampleCurrent(entry connector.MeterValueTemplate, divider int) []v16.SampledValue {
	maxPowerPerConnector := s.conn.MaxPower / float64(divider)
	voltage := s.info.Voltage
	if voltage <= 0 {
		voltage = 230
	}

	if s.info.OutputType == "DC" {
		maxAmperage := maxPowerPerConnector / voltage
		l1 := randFloat(maxAmperage)
		return []v16.SampledValue{currentSample(roundTo2(l1), "")}
	}

	if s.info.NumberOfPhases != 3 {
		maxAmperage := maxPowerPerConnector / voltage
		l1 := randFloat(maxAmperage)
		return []v16.SampledValue{
			currentSample(roundTo2(l1), ""),
			currentSample(roundTo2(l1), "L1"),
		}
	}

	maxAmperagePerPhase := maxPowerPerConnector / (3 * voltage)
	l1 := randFloat(maxAmperagePerPhase)
	l2 := randFloat(maxAmperagePerPhase)
	l3 := randFloat(maxAmperagePerPhase)
	mean := roundTo2((l1 + l2 + l3) / 3)

	return []v16.SampledValue{
		currentSample(mean, ""),
		currentSample(roundTo2(l1), "L1"),
		currentSample(roundTo2(l2), "L2"),
		currentSample(roundTo2(l3), "L3"),
	}
}

func currentSample(value float64, phase string) v16.SampledValue {
	return v16.SampledValue{
		Value:     strconv.FormatFloat(value, 'f', 2, 64),
		Context:   v16.ReadingContextSamplePeriodic,
		Measurand: v16.MeasurandCurrentImport,
		Unit:      v16.UnitOfMeasureA,
		Location:  v16.LocationOutlet,
		Phase:     phase,
	}
}

// sampleVoltage implements spec.md §4.6's Voltage synthesis, including the
// V>250 phase-naming rule ("L{n}-N" at or below 250V, "L{n}-L{(n mod 3)+1}"
// above it).
func (s *Sampler) sampleVoltage(entry connector.MeterValueTemplate) []v16.SampledValue {
	v := s.info.Voltage
	if v <= 0 {
		v = 230
	}

	single := v * (0.9 + rand.Float64()*0.2)
	out := []v16.SampledValue{voltageSample(roundTo2(single), "")}

	if s.info.NumberOfPhases != 3 {
		return out
	}

	for n := 1; n <= 3; n++ {
		phase := fmt.Sprintf("L%d-N", n)
		if v > 250 {
			phase = fmt.Sprintf("L%d-L%d", n, (n%3)+1)
		}
		value := v * (0.9 + rand.Float64()*0.2)
		out = append(out, voltageSample(roundTo2(value), phase))
	}
	return out
}

func voltageSample(value float64, phase string) v16.SampledValue {
	return v16.SampledValue{
		Value:     strconv.FormatFloat(value, 'f', 2, 64),
		Context:   v16.ReadingContextSamplePeriodic,
		Measurand: v16.MeasurandVoltage,
		Unit:      v16.UnitOfMeasureV,
		Location:  v16.LocationOutlet,
		Phase:     phase,
	}
}

// sampleSoC implements spec.md §4.6's SoC synthesis: template value if
// present, else a random percentage, sanity-capped at 100.
func (s *Sampler) sampleSoC(entry connector.MeterValueTemplate) v16.SampledValue {
	value := randFloat(100)
	if entry.Value != nil {
		value = *entry.Value
	}
	if value > 100 {
		value = 100
	}

	return v16.SampledValue{
		Value:     strconv.FormatFloat(roundTo2(value), 'f', 2, 64),
		Context:   v16.ReadingContextSamplePeriodic,
		Measurand: v16.MeasurandSoC,
		Unit:      v16.UnitOfMeasurePercent,
		Location:  v16.LocationEV,
	}
}

func randFloat(max float64) float64 {
	if max <= 0 {
		return 0
	}
	return rand.Float64() * max
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
