package dataset

import (
	"bytes"
	"sort"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzLoadJSON throws arbitrary bytes at the JSON loader. Whatever parses
// must come out with sorted columns covering every row key; everything else
// must fail cleanly instead of panicking.
func FuzzLoadJSON(f *testing.F) {
	seeds := []string{
		`[]`,
		`[{"user":"amara","pass":"s3cret"}]`,
		`[{"n":1,"ok":true,"nested":{"a":[1,2]}}]`,
		`[{"a":null},{"b":"x"}]`,
		`{"not":"an array"}`,
		`[[1,2,3]]`,
		`nonsense`,
		``,
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		ds, err := loadJSON(bytes.NewReader(data))
		if err != nil {
			return
		}
		if !sort.StringsAreSorted(ds.Columns) {
			t.Fatalf("columns not sorted: %v", ds.Columns)
		}
		cols := make(map[string]bool, len(ds.Columns))
		for _, c := range ds.Columns {
			if cols[c] {
				t.Fatalf("duplicate column %q in %v", c, ds.Columns)
			}
			cols[c] = true
		}
		for i, row := range ds.Rows {
			for k := range row {
				if !cols[k] {
					t.Fatalf("row %d key %q missing from columns %v", i, k, ds.Columns)
				}
			}
		}
	})
}

// FuzzTableToDataset feeds generated tables through the header-led converter
// used by the CSV and Excel loaders.
func FuzzTableToDataset(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var records [][]string
		if err := consumer.CreateSlice(&records); err != nil {
			return
		}

		ds, err := tableToDataset(records)
		if err != nil {
			return
		}
		if len(records) == 0 {
			return
		}
		if len(ds.Columns) != len(records[0]) {
			t.Fatalf("got %d columns for a %d-cell header", len(ds.Columns), len(records[0]))
		}
		for i, row := range ds.Rows {
			// Every header column resolves in every row, so bindings never
			// miss. Duplicate header names collapse onto one key.
			for _, col := range ds.Columns {
				if _, ok := row[col]; !ok {
					t.Fatalf("row %d lacks column %q", i, col)
				}
			}
			if len(row) > len(ds.Columns) {
				t.Fatalf("row %d has %d keys for %d columns", i, len(row), len(ds.Columns))
			}
		}
	})
}
