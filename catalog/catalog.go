// Package catalog keeps the cumulative registry of devices seen in
// measurement batches.
package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kradalby/port-twin/measurement"
)

// DefaultSpecial lists the identifiers that always sort last, in order.
var DefaultSpecial = []string{"Entrada de energia"}

var seriesPattern = regexp.MustCompile(`^([A-Za-z])([0-9]+)$`)

// Descriptor identifies a device and how it is presented.
type Descriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type entry struct {
	Descriptor
	explicit bool
}

// Catalog is an append-only set of devices. Entries are never removed.
type Catalog struct {
	mu      sync.RWMutex
	devices map[string]*entry
	labels  map[string]string
	special map[string]int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLabels sets display names used when a record carries no deviceName.
func WithLabels(labels map[string]string) Option {
	return func(c *Catalog) {
		for id, name := range labels {
			c.labels[id] = name
		}
	}
}

// WithSpecial replaces the identifiers sorted to the end of the catalog.
func WithSpecial(ids ...string) Option {
	return func(c *Catalog) {
		c.special = make(map[string]int, len(ids))
		for i, id := range ids {
			if _, ok := c.special[id]; !ok {
				c.special[id] = i
			}
		}
	}
}

// New creates an empty catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		devices: make(map[string]*entry),
		labels:  make(map[string]string),
	}
	WithSpecial(DefaultSpecial...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FormatName derives a display name from a device identifier.
func FormatName(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "_", " ")
}

// Observe adds the devices of batch to the catalog and returns how many
// were new. Records without a device are skipped.
func (c *Catalog) Observe(batch []measurement.Record) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, rec := range batch {
		if rec.Device == "" {
			continue
		}

		existing, ok := c.devices[rec.Device]
		if !ok {
			c.devices[rec.Device] = c.newEntry(rec)
			added++
			continue
		}

		// An explicit name from the feed replaces a derived one, never
		// the other way round.
		if !existing.explicit && rec.DeviceName != "" {
			existing.DisplayName = rec.DeviceName
			existing.explicit = true
		}
	}

	return added
}

func (c *Catalog) newEntry(rec measurement.Record) *entry {
	switch {
	case rec.DeviceName != "":
		return &entry{Descriptor: Descriptor{ID: rec.Device, DisplayName: rec.DeviceName}, explicit: true}
	case c.labels[rec.Device] != "":
		return &entry{Descriptor: Descriptor{ID: rec.Device, DisplayName: c.labels[rec.Device]}, explicit: true}
	default:
		return &entry{Descriptor: Descriptor{ID: rec.Device, DisplayName: FormatName(rec.Device)}}
	}
}

// Len returns the number of known devices.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// Lookup returns the descriptor for id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.devices[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.Descriptor, true
}

// Devices returns every known device in presentation order.
func (c *Catalog) Devices() []Descriptor {
	c.mu.RLock()
	out := make([]Descriptor, 0, len(c.devices))
	for _, e := range c.devices {
		out = append(out, e.Descriptor)
	}
	special := c.special
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return less(out[i], out[j], special)
	})
	return out
}

const (
	groupSeries = iota
	groupOther
	groupSpecial
)

type sortKey struct {
	group  int
	letter string
	number int
	rank   int
}

func keyOf(d Descriptor, special map[string]int) sortKey {
	if rank, ok := special[d.ID]; ok {
		return sortKey{group: groupSpecial, rank: rank}
	}
	if m := seriesPattern.FindStringSubmatch(d.ID); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return sortKey{group: groupSeries, letter: strings.ToUpper(m[1]), number: n}
		}
	}
	return sortKey{group: groupOther}
}

func less(a, b Descriptor, special map[string]int) bool {
	ka, kb := keyOf(a, special), keyOf(b, special)
	if ka.group != kb.group {
		return ka.group < kb.group
	}

	switch ka.group {
	case groupSeries:
		if ka.letter != kb.letter {
			return ka.letter < kb.letter
		}
		if ka.number != kb.number {
			return ka.number < kb.number
		}
	case groupSpecial:
		return ka.rank < kb.rank
	default:
		an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
		if an != bn {
			return an < bn
		}
	}

	return a.ID < b.ID
}
