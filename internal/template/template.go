// Package template implements the station template and authorization-tag
// file formats (spec.md §6 "EXTERNAL INTERFACES"): the one external
// collaborator boundary the core is allowed to touch directly. Kept
// deliberately thin — the tested core only ever consumes the in-memory
// *Template value this package produces.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/evse-sim/ocpp-station/internal/connector"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// NumberList decodes either a single JSON number or a JSON array of numbers
// (spec.md §6: "power (number or number[]), numberOfConnectors (number or
// number[])").
type NumberList []float64

func (n *NumberList) UnmarshalJSON(data []byte) error {
	var single float64
	if err := json.Unmarshal(data, &single); err == nil {
		*n = NumberList{single}
		return nil
	}
	var many []float64
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a number or an array of numbers: %w", err)
	}
	*n = many
	return nil
}

// StringList decodes either a single JSON string or a JSON array of strings
// (spec.md §6: "supervisionURL (string or string[])").
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

// ConfigurationEntry is one template-supplied initial configuration key
// (spec.md §6 "Configuration (initial config keys)").
type ConfigurationEntry struct {
	Value    string `json:"value"`
	Readonly bool   `json:"readonly,omitempty"`
	Visible  *bool  `json:"visible,omitempty"`
	Reboot   bool   `json:"reboot,omitempty"`
}

// MeterValueEntry is one template-supplied meter-sample descriptor (spec.md
// §6 "MeterValues[]").
type MeterValueEntry struct {
	Measurand v16.Measurand     `json:"measurand,omitempty"`
	Unit      v16.UnitOfMeasure `json:"unit,omitempty"`
	Value     *float64          `json:"value,omitempty"`
}

// ConnectorEntry is one template-supplied connector definition (spec.md §6
// "Connectors (map id -> {availability, bootStatus, MeterValues[],
// chargingProfiles})").
type ConnectorEntry struct {
	Availability     string                `json:"availability,omitempty"`
	BootStatus       *v16.ChargePointStatus `json:"bootStatus,omitempty"`
	MeterValues      []MeterValueEntry      `json:"MeterValues,omitempty"`
	ChargingProfiles []v16.ChargingProfile  `json:"chargingProfiles,omitempty"`
}

// AutomaticTransactionGenerator is the template-supplied ATG block (spec.md
// §6). Non-goals exclude running it as a scenario engine; the fields are
// still parsed so a template carrying one does not fail to load.
type AutomaticTransactionGenerator struct {
	Enable                  bool `json:"enable,omitempty"`
	StopOnConnectionFailure bool `json:"stopOnConnectionFailure,omitempty"`
}

// Template is the full parsed station template file (spec.md §6).
type Template struct {
	ChargePointModel            string                    `json:"chargePointModel"`
	ChargePointVendor           string                    `json:"chargePointVendor"`
	ChargeBoxSerialNumberPrefix string                    `json:"chargeBoxSerialNumberPrefix,omitempty"`
	FirmwareVersion             string                    `json:"firmwareVersion,omitempty"`
	BaseName                    string                    `json:"baseName"`
	FixedName                   bool                      `json:"fixedName,omitempty"`
	NameSuffix                  string                    `json:"nameSuffix,omitempty"`
	Power                       NumberList                `json:"power"`
	NumberOfConnectors          NumberList                `json:"numberOfConnectors"`
	NumberOfPhases              int                       `json:"numberOfPhases,omitempty"`
	VoltageOut                  float64                   `json:"voltageOut,omitempty"`
	PowerOutType                string                    `json:"powerOutType,omitempty"`
	SupervisionURLs             StringList                `json:"supervisionURL"`
	AuthorizationFile           string                    `json:"authorizationFile,omitempty"`
	UseConnectorId0             *bool                     `json:"useConnectorId0,omitempty"`
	RandomConnectors            bool                      `json:"randomConnectors,omitempty"`
	PowerSharedByConnectors     bool                      `json:"powerSharedByConnectors,omitempty"`
	DistributeStationsToTenantsEqually bool               `json:"distributeStationsToTenantsEqually,omitempty"`
	ConnectionTimeout           int                       `json:"connectionTimeout,omitempty"`
	AutoReconnectMaxRetries     int                       `json:"autoReconnectMaxRetries,omitempty"`
	// RegistrationMaxRetries is a pointer so a template that omits the field
	// can be told apart from one that explicitly sets it to 0 ("disabled");
	// see RegistrationMaxTries.
	RegistrationMaxRetries      *int                      `json:"registrationMaxRetries,omitempty"`
	ReconnectExponentialDelay   bool                      `json:"reconnectExponentialDelay,omitempty"`
	ResetTime                   int                       `json:"resetTime,omitempty"`
	EnableStatistics            bool                      `json:"enableStatistics,omitempty"`
	Configuration               map[string]ConfigurationEntry `json:"Configuration,omitempty"`
	Connectors                  map[string]ConnectorEntry      `json:"Connectors,omitempty"`
	AutomaticTransactionGenerator *AutomaticTransactionGenerator `json:"AutomaticTransactionGenerator,omitempty"`
}

// LoadFile reads and parses a station template file (spec.md §5 "the station
// template file ... opened read-only").
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return &t, nil
}

// LoadTags reads the authorization-tag file: a top-level JSON array of idTag
// strings (spec.md §6 "Authorization file (JSON). A top-level array of idTag
// strings.").
func LoadTags(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorization file %s: %w", path, err)
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("parse authorization file %s: %w", path, err)
	}
	return tags, nil
}

// UseConnectorID0 resolves the template's useConnectorId0 flag, defaulting to
// true when absent (spec.md §6).
func (t *Template) UseConnectorID0() bool {
	if t.UseConnectorId0 == nil {
		return true
	}
	return *t.UseConnectorId0
}

// RegistrationMaxTries resolves registrationMaxRetries, defaulting to -1
// (unlimited) when the template is silent on it: the bare int zero value
// coincides with "disabled", which would abandon a Pending boot after a
// single attempt — almost never what an omitted field means.
func (t *Template) RegistrationMaxTries() int {
	if t.RegistrationMaxRetries == nil {
		return -1
	}
	return *t.RegistrationMaxRetries
}

// MaxPower returns the power figure at the station index, falling back to
// the last entry when the list has no value at that index (spec.md §6
// "power (number or number[])").
func (t *Template) MaxPower(index int) float64 {
	return pick(t.Power, index, 0)
}

// NumConnectors returns the connector count at index (spec.md §6
// "numberOfConnectors (number or number[])").
func (t *Template) NumConnectors(index int) int {
	return int(pick(t.NumberOfConnectors, index, 1))
}

func pick(values NumberList, index int, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	if index < len(values) {
		return values[index]
	}
	return values[len(values)-1]
}

// SupervisionURL picks one supervisionURL entry per spec.md §6/§4.4:
// "if distributeStationsToTenantsEqually then index % N, else uniform
// random." randIndex is supplied by the caller for testability.
func (t *Template) SupervisionURL(index int, randIndex func(n int) int) string {
	if len(t.SupervisionURLs) == 0 {
		return ""
	}
	if len(t.SupervisionURLs) == 1 {
		return t.SupervisionURLs[0]
	}
	if t.DistributeStationsToTenantsEqually {
		return t.SupervisionURLs[index%len(t.SupervisionURLs)]
	}
	return t.SupervisionURLs[randIndex(len(t.SupervisionURLs))]
}

// ChargingStationID implements spec.md §6's identifier rule:
// `fixedName ? baseName : baseName + "-" + (CF_INSTANCE_INDEX|"") +
// zeroPad4(index) + (nameSuffix|"")`.
func (t *Template) ChargingStationID(index int) string {
	if t.FixedName {
		return t.BaseName
	}
	return fmt.Sprintf("%s-%s%s%s", t.BaseName, os.Getenv("CF_INSTANCE_INDEX"), zeroPad4(index), t.NameSuffix)
}

func zeroPad4(n int) string {
	return fmt.Sprintf("%04d", n)
}

// ConnectorDefinitions converts the template's Connectors map into the shape
// internal/connector.Table.Init consumes (spec.md §4.2, §6).
func (t *Template) ConnectorDefinitions(index int) map[int]connector.Definition {
	maxPower := t.MaxPower(index)
	defs := make(map[int]connector.Definition, len(t.Connectors))

	for key, entry := range t.Connectors {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		def := connector.Definition{ID: id, MaxPower: maxPower, BootStatus: entry.BootStatus}
		for _, mv := range entry.MeterValues {
			def.MeterValues = append(def.MeterValues, connector.MeterValueTemplate{
				Measurand: mv.Measurand,
				Unit:      mv.Unit,
				Value:     mv.Value,
			})
		}
		defs[id] = def
	}
	return defs
}

// InitialConfiguration converts the template's Configuration block into
// (key, value, readonly, visible, reboot) tuples ready for
// internal/configstore.Store.Add (spec.md §6 "Configuration (initial config
// keys)").
func (t *Template) InitialConfiguration() []struct {
	Key      string
	Value    string
	Readonly bool
	Visible  bool
	Reboot   bool
} {
	keys := make([]string, 0, len(t.Configuration))
	for key := range t.Configuration {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]struct {
		Key      string
		Value    string
		Readonly bool
		Visible  bool
		Reboot   bool
	}, 0, len(keys))

	for _, key := range keys {
		entry := t.Configuration[key]
		visible := true
		if entry.Visible != nil {
			visible = *entry.Visible
		}
		out = append(out, struct {
			Key      string
			Value    string
			Readonly bool
			Visible  bool
			Reboot   bool
		}{Key: key, Value: entry.Value, Readonly: entry.Readonly, Visible: visible, Reboot: entry.Reboot})
	}
	return out
}
