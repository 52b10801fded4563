package provider

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/leads"
)

// FileSourcer reads leads from CSV and XLSX directory dumps. The sourcing
// query is a glob relative to the root directory; an empty query reads
// every supported file. The first row of each file is a header.
type FileSourcer struct {
	root string
	log  *zap.Logger
}

// NewFileSourcer creates a sourcer rooted at path, which may be a
// directory or a single file.
func NewFileSourcer(path string) *FileSourcer {
	return &FileSourcer{
		root: path,
		log:  zap.L().With(zap.String("component", "provider.file")),
	}
}

// SourceLeads reads all rows of the files matching query.
func (f *FileSourcer) SourceLeads(ctx context.Context, query string) ([]leads.RawLead, error) {
	files, err := f.match(query)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, eris.Errorf("provider: no lead files match %q under %s", query, f.root)
	}

	var out []leads.RawLead
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "provider: source leads")
		}
		var rows [][]string
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			rows, err = readCSVFile(ctx, path)
		case ".xlsx":
			rows, err = readXLSXFile(path)
		}
		if err != nil {
			return nil, err
		}
		parsed := rowsToLeads(rows)
		f.log.Debug("read lead file",
			zap.String("path", path),
			zap.Int("rows", len(parsed)),
		)
		out = append(out, parsed...)
	}
	return out, nil
}

// TestCredentials succeeds when the source is readable. Only the source
// scope is meaningful for a file dump.
func (f *FileSourcer) TestCredentials(_ context.Context, _ string, scope Scope) error {
	if scope != ScopeSource {
		return eris.Errorf("provider: file source cannot grant scope %q", scope)
	}
	if _, err := os.Stat(f.root); err != nil {
		return eris.Wrap(err, "provider: stat lead source")
	}
	return nil
}

func (f *FileSourcer) match(query string) ([]string, error) {
	info, err := os.Stat(f.root)
	if err != nil {
		return nil, eris.Wrap(err, "provider: stat lead source")
	}
	if !info.IsDir() {
		return []string{f.root}, nil
	}

	if query == "" {
		query = "*"
	}
	if filepath.IsAbs(query) || strings.Contains(query, "..") {
		return nil, eris.Errorf("provider: lead file query %q must stay under the source directory", query)
	}
	matches, err := filepath.Glob(filepath.Join(f.root, query))
	if err != nil {
		return nil, eris.Wrapf(err, "provider: glob %q", query)
	}
	var files []string
	for _, m := range matches {
		switch strings.ToLower(filepath.Ext(m)) {
		case ".csv", ".xlsx":
			files = append(files, m)
		}
	}
	return files, nil
}

func readCSVFile(ctx context.Context, path string) ([][]string, error) {
	fh, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer fh.Close() //nolint:errcheck

	reader := csv.NewReader(fh)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read %s", filepath.Base(path))
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		rows = append(rows, record)
	}
}

func readXLSXFile(path string) ([][]string, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(wb.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", filepath.Base(path))
	}
	var rows [][]string
	for _, row := range wb.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

type column int

const (
	colNone column = iota
	colEmail
	colName
	colCompany
	colTitle
	colDomain
	colText
	colURL
	colSourceURL
)

var headerAliases = map[string]column{
	"email": colEmail, "e-mail": colEmail, "email address": colEmail, "work email": colEmail,
	"name": colName, "full name": colName, "contact": colName, "contact name": colName,
	"company": colCompany, "company name": colCompany, "organization": colCompany, "org": colCompany,
	"title": colTitle, "job title": colTitle, "position": colTitle,
	"domain": colDomain, "website": colDomain, "company domain": colDomain,
	"text": colText, "notes": colText, "bio": colText, "description": colText,
	"url": colURL, "profile url": colURL, "link": colURL,
	"source_url": colSourceURL, "source url": colSourceURL, "source": colSourceURL,
}

// rowsToLeads maps rows to raw leads using the header row. Unrecognized
// columns are folded into Text so embedded addresses are still found.
func rowsToLeads(rows [][]string) []leads.RawLead {
	if len(rows) < 2 {
		return nil
	}
	header := make([]column, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = headerAliases[strings.ToLower(strings.TrimSpace(h))]
	}

	out := make([]leads.RawLead, 0, len(rows)-1)
	for _, row := range rows[1:] {
		var l leads.RawLead
		var extra []string
		for i, cell := range row {
			if cell == "" {
				continue
			}
			col := colNone
			if i < len(header) {
				col = header[i]
			}
			switch col {
			case colEmail:
				l.Email = cell
			case colName:
				l.Name = cell
			case colCompany:
				l.Company = cell
			case colTitle:
				l.Title = cell
			case colDomain:
				l.Domain = cell
			case colText:
				extra = append(extra, cell)
			case colURL:
				l.URL = cell
			case colSourceURL:
				l.SourceURL = cell
			default:
				extra = append(extra, cell)
			}
		}
		l.Text = strings.Join(extra, " ")
		if l == (leads.RawLead{}) {
			continue
		}
		out = append(out, l)
	}
	return out
}
