package dictionary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeDict(t *testing.T, dataDir, feature string, rows [][]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "meta"), 0o755))
	require.NoError(t, f.Save(Path(dataDir, feature)))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeDict(t, dir, "opencell", [][]string{
		{"name", "type", "use", "description"},
		{"radio", "cat", "Y", "radio generation"},
		{"range", "num", "Y", "cell range in metres"},
		{"samples", "num", "N", ""},
		{"mcc", "code", "Y", "unknown type"},
		{"", "num", "Y", ""},
	})

	d, err := Load(dir, "opencell")
	require.NoError(t, err)
	assert.Equal(t, "opencell", d.Feature)
	assert.Len(t, d.Entries, 3)

	num, cat := d.Used()
	assert.Equal(t, []string{"range"}, num)
	assert.Equal(t, []string{"radio"}, cat)
	assert.Equal(t, []string{"range", "radio"}, d.Names())
}

func TestLoad_MissingFileNamesPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "speedtest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(dir, "meta", "speedtest_dict.xlsx"))
}

func TestParse_MissingColumn(t *testing.T) {
	_, err := parse("facebook", []string{"name", "type"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"use"`)
}

func TestParse_CaseInsensitive(t *testing.T) {
	d, err := parse("population", []string{"Name", "TYPE", "Use"}, [][]string{
		{"population", "NUM", "y"},
		{"short"},
	})
	require.NoError(t, err)
	num, cat := d.Used()
	assert.Equal(t, []string{"population"}, num)
	assert.Empty(t, cat)
}
