package connector

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
)

// Definition is the template-supplied shape of one connector, prior to
// init-time defaulting (spec.md §4.2, §6 "Connectors (map id -> {...})").
type Definition struct {
	ID          int
	MaxPower    float64
	BootStatus  *v16.ChargePointStatus
	MeterValues []MeterValueTemplate
}

// Table is the Connector Table (spec.md §2, §4.2): id 0 = station aggregate,
// 1..M = physical connectors.
type Table struct {
	mu           sync.Mutex
	log          *slog.Logger
	connectors   map[int]*Connector
	order        []int
	templateHash string
}

// New creates an empty Table.
func New(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{connectors: make(map[int]*Connector), log: log}
}

// Init builds the connector table from a template definition set, following
// spec.md §4.2 exactly:
//
//	"Let T = number of template connector definitions (including the optional
//	id-0 definition) and M = the station's configured max connectors. If
//	template defines id 0 and useConnectorId0 (default true), id 0 is copied
//	from template[0]; otherwise id 0 is absent. For i in 1..M, copy
//	template[rand] if randomConnectors is set, else template[i]."
//
// A SHA-256 hash over the definitions is compared to the previous init; if
// unchanged, the existing table (with any live transactions) is preserved.
func (t *Table) Init(defs map[int]Definition, maxConnectors int, useConnectorId0, randomConnectors bool, randIndex func(n int) int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hash := hashDefs(defs, maxConnectors)
	if hash == t.templateHash && len(t.connectors) > 0 {
		t.log.Info("connector template unchanged, preserving existing table")
		return
	}

	newConnectors := make(map[int]*Connector, len(t.connectors))
	newOrder := make([]int, 0, maxConnectors+1)

	if d, ok := defs[0]; ok && useConnectorId0 {
		newConnectors[0] = buildConnector(d)
		newOrder = append(newOrder, 0)
	}

	ids := make([]int, 0, len(defs))
	for id := range defs {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	for i := 1; i <= maxConnectors; i++ {
		var d Definition
		if randomConnectors && len(ids) > 0 {
			d = defs[ids[randIndex(len(ids))]]
			d.ID = i
		} else if existing, ok := defs[i]; ok {
			d = existing
			d.ID = i
		} else {
			d = Definition{ID: i}
		}
		newConnectors[i] = buildConnector(d)
		newOrder = append(newOrder, i)
	}

	// Preserve any connectors from a larger prior table: spec.md §9 leaves
	// "template reload that reduces connector count" undefined; this module
	// keeps the larger table rather than destroying live state (see DESIGN.md).
	if len(t.connectors) > len(newConnectors) {
		t.log.Warn("template reload would shrink connector table; keeping existing connectors",
			"previous", len(t.connectors), "new", len(newConnectors))
		return
	}

	t.connectors = newConnectors
	t.order = newOrder
	t.templateHash = hash
}

func buildConnector(d Definition) *Connector {
	c := NewConnector(d.ID, d.MaxPower)
	c.MeterValues = d.MeterValues
	if d.BootStatus != nil {
		c.BootStatus = d.BootStatus
		c.Status = *d.BootStatus
	}
	return c
}

func hashDefs(defs map[int]Definition, maxConnectors int) string {
	b, _ := json.Marshal(struct {
		Defs map[int]Definition
		Max  int
	}{defs, maxConnectors})
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// Get returns the connector for id, or nil.
func (t *Table) Get(id int) *Connector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectors[id]
}

// All returns every connector in ascending id order.
func (t *Table) All() []*Connector {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connector, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.connectors[id])
	}
	return out
}

// Physical returns all connectors with id > 0 (spec.md §3: "only id > 0 may
// start transactions").
func (t *Table) Physical() []*Connector {
	all := t.All()
	out := make([]*Connector, 0, len(all))
	for _, c := range all {
		if c.ID > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of physical connectors (excludes id 0).
func (t *Table) Count() int {
	return len(t.Physical())
}

// ActiveTransactionCount returns how many physical connectors currently have
// a transaction running — used to derive powerDivider when
// powerSharedByConnectors is set (spec.md §3).
func (t *Table) ActiveTransactionCount() int {
	count := 0
	for _, c := range t.Physical() {
		if c.HasActiveTransaction() {
			count++
		}
	}
	return count
}

// PowerDivider computes spec.md §3's derived powerDivider: "equal to the
// number of connectors, or to the number of currently running transactions
// if powerSharedByConnectors."
func (t *Table) PowerDivider(powerSharedByConnectors bool) int {
	if powerSharedByConnectors {
		return t.ActiveTransactionCount()
	}
	return t.Count()
}

// FindByTransactionID returns the connector holding transactionID, or nil.
func (t *Table) FindByTransactionID(transactionID int) *Connector {
	for _, c := range t.Physical() {
		if id := c.GetTransactionID(); id != nil && *id == transactionID {
			return c
		}
	}
	return nil
}
