// Package connector implements the Connector Table (spec.md §3, §4.2): the
// per-station map from connector id to its availability, status, transaction
// fields, charging profiles, and metering template.
package connector

import (
	"sync"
	"time"

	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// Availability is the OCPP 1.6 ChangeAvailability target state.
type Availability string

const (
	Operative   Availability = "Operative"
	Inoperative Availability = "Inoperative"
)

// MeterValueTemplate is a template-supplied descriptor of one sample the
// Meter Sampler should emit (spec.md §4.6: "consult the connector's
// MeterValues template list"). A non-nil Value is used for
// Energy.Active.Import.Register and SoC samples (SoC is still capped at 100);
// Power, Current and Voltage samples are always synthesized.
type MeterValueTemplate struct {
	Measurand v16.Measurand
	Unit      v16.UnitOfMeasure
	Value     *float64
}

// ChargingProfile is stored per connector (spec.md §3).
type ChargingProfile = v16.ChargingProfile

// SamplerHandle is the cancellable handle of a running Meter Sampler tick
// loop (spec.md §9: "the sampler handle lives on the connector record").
type SamplerHandle interface {
	Stop()
}

// Connector is a single entry of the Connector Table: id 0 is the station
// aggregate, ids 1..N are physical connectors (spec.md §3).
type Connector struct {
	mu sync.Mutex

	ID           int
	Availability Availability
	Status       v16.ChargePointStatus
	BootStatus   *v16.ChargePointStatus

	TransactionStarted bool
	TransactionID      *int
	IDTag              *string

	// LastEnergyActiveImportRegisterValue is in Wh; -1 = uninitialised
	// (spec.md §3 invariant).
	LastEnergyActiveImportRegisterValue int

	ChargingProfiles []ChargingProfile
	MeterValues      []MeterValueTemplate

	MaxPower      float64
	Reservation   *Reservation
	LastChange    time.Time
	Sampler       SamplerHandle
}

// Reservation mirrors the teacher's reservation shape, narrowed to what
// RemoteStartTransaction's reservation guard needs (SPEC_FULL.md
// "Supplemented features").
type Reservation struct {
	ID          int
	IDTag       string
	ExpiryDate  time.Time
	ParentIDTag string
}

// NewConnector creates a connector in its post-init state: Operative,
// no charging profiles, no transaction (spec.md §4.2:
// "force availability=OPERATIVE ... call initTransactionOnConnector").
func NewConnector(id int, maxPower float64) *Connector {
	c := &Connector{
		ID:           id,
		Availability: Operative,
		Status:       v16.ChargePointStatusAvailable,
		MaxPower:     maxPower,
		LastChange:   time.Now(),
	}
	c.initTransactionLocked()
	return c
}

func (c *Connector) initTransactionLocked() {
	c.TransactionStarted = false
	c.TransactionID = nil
	c.IDTag = nil
	c.LastEnergyActiveImportRegisterValue = -1
	c.ChargingProfiles = nil
}

// ResetTransaction clears every transaction field and stops the sampler,
// per spec.md §9 ("the sampler handle ... is cleared by
// resetTransactionOnConnector; this must be honoured by every path that ends
// a transaction").
func (c *Connector) ResetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Sampler != nil {
		c.Sampler.Stop()
		c.Sampler = nil
	}
	c.TransactionStarted = false
	c.TransactionID = nil
	c.IDTag = nil
	c.LastEnergyActiveImportRegisterValue = -1
}

// StartTransaction records transaction acceptance per spec.md §4.5's
// "StartTransaction response handling".
func (c *Connector) StartTransaction(transactionID int, idTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TransactionStarted = true
	c.TransactionID = &transactionID
	c.IDTag = &idTag
	c.LastEnergyActiveImportRegisterValue = 0
}

// HasActiveTransaction reports whether this connector is currently charging.
func (c *Connector) HasActiveTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TransactionStarted
}

// CurrentIDTag returns the idTag of the active transaction, or "" if none.
func (c *Connector) CurrentIDTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IDTag == nil {
		return ""
	}
	return *c.IDTag
}

// GetTransactionID returns the active transaction id, or nil.
func (c *Connector) GetTransactionID() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransactionID == nil {
		return nil
	}
	id := *c.TransactionID
	return &id
}

// SetStatus sets the connector's current status and returns the previous
// status so callers can decide whether a StatusNotification is warranted.
func (c *Connector) SetStatus(status v16.ChargePointStatus) v16.ChargePointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.Status
	c.Status = status
	c.LastChange = time.Now()
	return old
}

func (c *Connector) GetStatus() v16.ChargePointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

func (c *Connector) SetAvailability(a Availability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Availability = a
}

func (c *Connector) GetAvailability() Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Availability
}

// IsReservedFor reports whether a non-expired reservation covers idTag
// (SPEC_FULL.md "Supplemented features").
func (c *Connector) IsReservedFor(idTag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reservation == nil {
		return false
	}
	if time.Now().After(c.Reservation.ExpiryDate) {
		return false
	}
	return c.Reservation.IDTag == idTag || c.Reservation.ParentIDTag == idTag
}

func (c *Connector) IsReserved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Reservation != nil
}

// AddEnergy accumulates a Wh delta onto the running energy register,
// returning the new total. Used by the Meter Sampler (spec.md §4.6).
func (c *Connector) AddEnergy(deltaWh float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LastEnergyActiveImportRegisterValue < 0 {
		c.LastEnergyActiveImportRegisterValue = 0
	}
	c.LastEnergyActiveImportRegisterValue += int(deltaWh)
	return c.LastEnergyActiveImportRegisterValue
}

func (c *Connector) EnergyRegister() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastEnergyActiveImportRegisterValue
}

// AttachSampler records the running Meter Sampler's handle so a later
// ResetTransaction can stop it (spec.md §9: "the sampler handle lives on the
// connector record").
func (c *Connector) AttachSampler(s SamplerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sampler = s
}
