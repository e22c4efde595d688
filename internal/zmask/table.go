// Package zmask selects the region mask that applies at the current gantry
// height.
package zmask

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
)

// Entry pairs a Z height in millimetres with the mask active from that height up.
type Entry struct {
	Height float64
	Mask   regionmask.Mask
}

// Table is an ascending-by-height list of entries. The zero value is an
// empty table.
type Table struct {
	entries []Entry
}

// NewTable copies and sorts entries.
func NewTable(entries []Entry) Table {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Height < cp[j].Height })
	return Table{entries: cp}
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t.entries) }

// Entries returns a copy of the sorted entries.
func (t Table) Entries() []Entry {
	cp := make([]Entry, len(t.entries))
	copy(cp, t.entries)
	return cp
}

// Resolve returns the mask of the highest entry at or below height. Heights
// below the first entry, or an unknown height, resolve to the first entry.
// An empty table resolves to static.
func (t Table) Resolve(height float64, known bool, static regionmask.Mask) regionmask.Mask {
	if len(t.entries) == 0 {
		return static
	}
	if !known {
		return t.entries[0].Mask
	}
	// first index with Height > height
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Height > height })
	if i == 0 {
		return t.entries[0].Mask
	}
	return t.entries[i-1].Mask
}

// MarshalJSON writes the table as [[z_mm, "mask hex"], ...].
func (t Table) MarshalJSON() ([]byte, error) {
	raw := make([][2]interface{}, len(t.entries))
	for i, e := range t.entries {
		raw[i] = [2]interface{}{e.Height, e.Mask.Hex()}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON reads the [[z_mm, "mask hex"], ...] form.
func (t *Table) UnmarshalJSON(data []byte) error {
	parsed, err := ParseTable(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTable decodes a JSON table and sorts it.
func ParseTable(data []byte) (Table, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Table{}, fmt.Errorf("failed to parse z mask table: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return Table{}, fmt.Errorf("z mask entry %d: expected [z_mm, mask]", i)
		}
		var e Entry
		if err := json.Unmarshal(pair[0], &e.Height); err != nil {
			return Table{}, fmt.Errorf("z mask entry %d: height: %w", i, err)
		}
		var hex string
		if err := json.Unmarshal(pair[1], &hex); err != nil {
			return Table{}, fmt.Errorf("z mask entry %d: mask: %w", i, err)
		}
		m, migrated, err := regionmask.ParseStored(hex)
		if err != nil {
			return Table{}, fmt.Errorf("z mask entry %d: %w", i, err)
		}
		if migrated {
			monitoring.Logf("[Config] migrating legacy 14x14 z mask at %.1fmm", e.Height)
		}
		e.Mask = m
		entries = append(entries, e)
	}
	return NewTable(entries), nil
}
