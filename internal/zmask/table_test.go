package zmask

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
)

func maskWithBit(i int) regionmask.Mask {
	var m regionmask.Mask
	m.Set(i)
	return m
}

func TestResolve(t *testing.T) {
	t.Parallel()

	m1, m2 := maskWithBit(1), maskWithBit(2)
	static := maskWithBit(99)
	table := NewTable([]Entry{{Height: 20, Mask: m2}, {Height: 10, Mask: m1}})

	tests := []struct {
		name   string
		table  Table
		height float64
		known  bool
		want   regionmask.Mask
	}{
		{"between entries", table, 15, true, m1},
		{"above last", table, 25, true, m2},
		{"below first", table, 5, true, m1},
		{"exact match", table, 20, true, m2},
		{"unknown height", table, 50, false, m1},
		{"empty table", Table{}, 15, true, static},
		{"empty table unknown", Table{}, 0, false, static},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.table.Resolve(tt.height, tt.known, static))
		})
	}
}

func TestNewTable_CopiesInput(t *testing.T) {
	t.Parallel()

	in := []Entry{{Height: 5, Mask: maskWithBit(0)}}
	table := NewTable(in)
	in[0].Height = 100
	assert.Equal(t, 5.0, table.Entries()[0].Height)
}

func TestParseTable(t *testing.T) {
	t.Parallel()

	data := []byte(`[[20.5, "4"], [0, "1"], [10, "0000000000000000:2"]]`)
	table, err := ParseTable(data)
	require.NoError(t, err)

	want := []Entry{
		{Height: 0, Mask: maskWithBit(0)},
		{Height: 10, Mask: maskWithBit(1)},
		{Height: 20.5, Mask: maskWithBit(2)},
	}
	if diff := cmp.Diff(want, table.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTable_MigratesLegacyMasks(t *testing.T) {
	t.Parallel()

	table, err := ParseTable([]byte(`[[0, "0:0:0:1"], [5, "1"]]`))
	require.NoError(t, err)
	entries := table.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, regionmask.AllOnes(regionmask.DefaultCells), entries[0].Mask)
	assert.Equal(t, maskWithBit(0), entries[1].Mask)
}

func TestParseTable_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`{}`,
		`[[1]]`,
		`[["x", "1"]]`,
		`[[1, 2]]`,
		`[[1, "zz"]]`,
	} {
		_, err := ParseTable([]byte(in))
		assert.Error(t, err, "input %s", in)
	}
}

func TestTable_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	table := NewTable([]Entry{
		{Height: 2, Mask: regionmask.AllOnes(regionmask.DefaultCells)},
		{Height: 40, Mask: maskWithBit(7)},
	})
	data, err := json.Marshal(table)
	require.NoError(t, err)

	var out Table
	require.NoError(t, json.Unmarshal(data, &out))
	if diff := cmp.Diff(table.Entries(), out.Entries()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
