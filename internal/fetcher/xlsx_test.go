package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeWorkbook(t *testing.T, sheets map[string][][]string, order ...string) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, name := range order {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, r := range sheets[name] {
			row := sheet.AddRow()
			for _, v := range r {
				row.AddCell().SetString(v)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "dict.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeWorkbook(t, map[string][][]string{
		"Sheet1": {
			{"name", "type", "use"},
			{" population ", "num", "Y"},
			{"", "", ""},
			{"radio", "cat", "N"},
		},
	}, "Sheet1")

	header, rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "type", "use"}, header)
	require.Len(t, rows, 2, "blank rows are dropped")
	assert.Equal(t, []string{"population", "num", "Y"}, rows[0])
	assert.Equal(t, "radio", rows[1][0])
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	path := writeWorkbook(t, map[string][][]string{
		"notes": {{"ignore me"}},
		"dict":  {{"name"}, {"estimate_mau"}},
	}, "notes", "dict")

	header, rows, err := ReadXLSX(path, XLSXOptions{SheetName: "dict"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, header)
	assert.Equal(t, [][]string{{"estimate_mau"}}, rows)

	header, _, err = ReadXLSX(path, XLSXOptions{SheetIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, header)

	_, _, err = ReadXLSX(path, XLSXOptions{SheetName: "missing"})
	assert.Error(t, err)
	_, _, err = ReadXLSX(path, XLSXOptions{SheetIndex: 5})
	assert.Error(t, err)
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, _, err := ReadXLSX(filepath.Join(t.TempDir(), "none.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}
