package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeXLSX(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))
}

func TestFileSourcer_CSVAndXLSX(t *testing.T) {
	dir := t.TempDir()
	csvData := "Email,Full Name,Company,Job Title,Notes\n" +
		"ann@acme.io, Ann Lee ,Acme,CFO,\n" +
		",Bob,Beta,,\"write to bob@beta.io\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte(csvData), 0o600))
	writeXLSX(t, filepath.Join(dir, "b.xlsx"), [][]string{
		{"email", "name", "website"},
		{"cara@gamma.io", "Cara", "gamma.io"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o600))

	s := NewFileSourcer(dir)
	rows, err := s.SourceLeads(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "ann@acme.io", rows[0].Email)
	assert.Equal(t, "Ann Lee", rows[0].Name)
	assert.Equal(t, "CFO", rows[0].Title)
	assert.Equal(t, "write to bob@beta.io", rows[1].Text)
	assert.Equal(t, "cara@gamma.io", rows[2].Email)
	assert.Equal(t, "gamma.io", rows[2].Domain)
}

func TestFileSourcer_QueryGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "east.csv"), []byte("email\nann@acme.io\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "west.csv"), []byte("email\nbob@beta.io\n"), 0o600))

	s := NewFileSourcer(dir)
	rows, err := s.SourceLeads(context.Background(), "west*")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob@beta.io", rows[0].Email)

	_, err = s.SourceLeads(context.Background(), "north*")
	assert.Error(t, err)

	_, err = s.SourceLeads(context.Background(), "../*.csv")
	assert.Error(t, err)
}

func TestFileSourcer_SingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.csv")
	require.NoError(t, os.WriteFile(path, []byte("contact,misc\nDana,dana@delta.io\n"), 0o600))

	s := NewFileSourcer(path)
	rows, err := s.SourceLeads(context.Background(), "ignored")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Dana", rows[0].Name)
	assert.Equal(t, "dana@delta.io", rows[0].Text)
}

func TestFileSourcer_TestCredentials(t *testing.T) {
	s := NewFileSourcer(t.TempDir())
	assert.NoError(t, s.TestCredentials(context.Background(), "", ScopeSource))
	assert.Error(t, s.TestCredentials(context.Background(), "", ScopeSend))

	missing := NewFileSourcer(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, missing.TestCredentials(context.Background(), "", ScopeSource))
}
