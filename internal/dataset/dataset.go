// Package dataset loads tabular test data for data-driven suites. A dataset
// is an ordered list of rows; each row maps column names to string values
// that suites reference through {{data.<column>}} bindings. All formats
// normalize to strings so a binding behaves identically whether the file was
// JSON, CSV, or an Excel workbook.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/xuri/excelize/v2"
)

var dataJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Row is one record of test data.
type Row map[string]string

// Dataset is the parsed content of one data file.
type Dataset struct {
	Source  string
	Columns []string
	Rows    []Row
}

// Load reads the file and picks the parser from the extension. Supported:
// .json (array of flat objects), .csv (first row is the header), .xlsx/.xlsm
// (first sheet, first row is the header).
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	var ds *Dataset
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		ds, err = loadJSON(f)
	case ".csv":
		ds, err = loadCSV(f)
	case ".xlsx", ".xlsm":
		ds, err = loadExcel(f)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("loading dataset %s: %w", filepath.Base(path), err)
	}
	ds.Source = path
	return ds, nil
}

func loadJSON(r io.Reader) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var records []map[string]interface{}
	if err := dataJSON.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing JSON rows: %w", err)
	}

	colSet := make(map[string]struct{})
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(rec))
		for k, v := range rec {
			row[k] = formatValue(v)
			colSet[k] = struct{}{}
		}
		rows = append(rows, row)
	}

	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return &Dataset{Columns: cols, Rows: rows}, nil
}

// formatValue renders a decoded JSON value the way a binding should see it.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		// Nested objects and arrays bind as compact JSON.
		b, err := dataJSON.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func loadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	return tableToDataset(records)
}

func loadExcel(r io.Reader) (*Dataset, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	records, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	return tableToDataset(records)
}

// tableToDataset converts header-led records to rows. Excel hands back
// ragged rows, so short rows are padded; rows wider than the header have
// values no binding could ever reach and are rejected.
func tableToDataset(records [][]string) (*Dataset, error) {
	if len(records) == 0 {
		return &Dataset{}, nil
	}

	header := make([]string, len(records[0]))
	for i, name := range records[0] {
		// Excel exports routinely lead with a UTF-8 BOM.
		name = strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))
		if name == "" {
			return nil, fmt.Errorf("header column %d has no name", i+1)
		}
		header[i] = name
	}

	rows := make([]Row, 0, len(records)-1)
	for n, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells but the header has %d columns", n+2, len(rec), len(header))
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return &Dataset{Columns: header, Rows: rows}, nil
}

func isBlank(rec []string) bool {
	for _, cell := range rec {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
