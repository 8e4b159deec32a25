package artifacts

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Table is a spreadsheet held as strings. The upstream's exports are
// consumed by a handful of named columns; everything else passes through
// untouched. "N/A" stays the literal string, never a missing value.
type Table struct {
	Header []string
	Rows   [][]string
}

const sheetName = "Sheet1"

// ReadTable loads the first sheet of an xlsx file.
func ReadTable(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet: %w", err)
	}
	if len(rows) == 0 {
		return &Table{}, nil
	}

	t := &Table{Header: rows[0]}
	for _, row := range rows[1:] {
		// GetRows trims trailing empty cells; pad back to header width.
		for len(row) < len(t.Header) {
			row = append(row, "")
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteTable atomically replaces path with the table as xlsx.
func (s *Store) WriteTable(path string, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetRow(sheetName, "A1", &t.Header); err != nil {
		return err
	}
	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode spreadsheet: %w", err)
	}
	return s.WriteFile(path, buf.Bytes())
}

// Col returns the index of a header column, or -1.
func (t *Table) Col(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Get returns the cell at row i under the named column, or "".
func (t *Table) Get(i int, name string) string {
	c := t.Col(name)
	if c < 0 || i < 0 || i >= len(t.Rows) || c >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][c]
}

// Set writes the cell at row i under the named column, if it exists.
func (t *Table) Set(i int, name, value string) {
	c := t.Col(name)
	if c < 0 || i < 0 || i >= len(t.Rows) {
		return
	}
	for len(t.Rows[i]) <= c {
		t.Rows[i] = append(t.Rows[i], "")
	}
	t.Rows[i][c] = value
}

// AppendColumns adds columns filled with a literal value on every row.
func (t *Table) AppendColumns(fill string, names ...string) {
	t.Header = append(t.Header, names...)
	for i := range t.Rows {
		for range names {
			t.Rows[i] = append(t.Rows[i], fill)
		}
	}
}
