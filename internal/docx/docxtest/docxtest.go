// Package docxtest builds minimal docx packages for tests.
package docxtest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pavelanni/labgrader/internal/docx"
)

// Cell describes one physical table cell. Lines of Text become separate
// paragraphs. VMerge is "", "restart" or "continue".
type Cell struct {
	Text   string
	Span   int
	VMerge string
}

// Row is a table row.
type Row []Cell

// Table is a list of rows.
type Table []Row

// TextTable builds a table of plain unmerged cells.
func TextTable(rows ...[]string) Table {
	t := make(Table, 0, len(rows))
	for _, r := range rows {
		row := make(Row, 0, len(r))
		for _, text := range r {
			row = append(row, Cell{Text: text})
		}
		t = append(t, row)
	}
	return t
}

// Span returns a cell covering n grid columns.
func Span(text string, n int) Cell { return Cell{Text: text, Span: n} }

const contentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`

const rels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

// StylesPart is carried in every generated package so tests can check that
// untouched parts survive a save.
const StylesPart = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:docDefaults/></w:styles>`

// DocumentXML renders the main document part for the given tables.
func DocumentXML(tables ...Table) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><w:body>`)
	b.WriteString(`<w:p><w:r><w:t>实验报告</w:t></w:r></w:p>`)
	for _, t := range tables {
		b.WriteString(`<w:tbl><w:tblPr><w:tblW w:w="0" w:type="auto"/></w:tblPr>`)
		for _, r := range t {
			b.WriteString(`<w:tr>`)
			for _, c := range r {
				writeCell(&b, c)
			}
			b.WriteString(`</w:tr>`)
		}
		b.WriteString(`</w:tbl>`)
	}
	b.WriteString(`<w:sectPr/></w:body></w:document>`)
	return b.String()
}

func writeCell(b *strings.Builder, c Cell) {
	b.WriteString(`<w:tc>`)
	if c.Span > 1 || c.VMerge != "" {
		b.WriteString(`<w:tcPr>`)
		if c.Span > 1 {
			b.WriteString(`<w:gridSpan w:val="` + strconv.Itoa(c.Span) + `"/>`)
		}
		switch c.VMerge {
		case "restart":
			b.WriteString(`<w:vMerge w:val="restart"/>`)
		case "continue":
			b.WriteString(`<w:vMerge/>`)
		}
		b.WriteString(`</w:tcPr>`)
	}
	for _, line := range strings.Split(c.Text, "\n") {
		b.WriteString(`<w:p>`)
		if line != "" {
			b.WriteString(`<w:r><w:rPr><w:b/></w:rPr><w:t xml:space="preserve">`)
			_ = xml.EscapeText(stringWriter{b}, []byte(line))
			b.WriteString(`</w:t></w:r>`)
		}
		b.WriteString(`</w:p>`)
	}
	b.WriteString(`</w:tc>`)
}

type stringWriter struct{ b *strings.Builder }

func (w stringWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

// Package returns a zipped package with the given main document part.
func Package(tb testing.TB, documentXML string) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypes},
		{"_rels/.rels", rels},
		{"word/document.xml", documentXML},
		{"word/styles.xml", StylesPart},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			tb.Fatalf("create %s: %v", p.name, err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			tb.Fatalf("write %s: %v", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// Bytes returns a package containing the given tables.
func Bytes(tb testing.TB, tables ...Table) []byte {
	tb.Helper()
	return Package(tb, DocumentXML(tables...))
}

// WriteFile writes a package into dir under name and returns its path.
func WriteFile(tb testing.TB, dir, name string, tables ...Table) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Bytes(tb, tables...), 0o644); err != nil {
		tb.Fatalf("write docx: %v", err)
	}
	return path
}

// Open builds a package in memory and opens it.
func Open(tb testing.TB, tables ...Table) *docx.Document {
	tb.Helper()
	data := Bytes(tb, tables...)
	d, err := docx.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		tb.Fatalf("open docx: %v", err)
	}
	return d
}

// Texts returns the logical-column texts of every row of every table.
func Texts(d *docx.Document) [][][]string {
	var out [][][]string
	for _, t := range d.Tables() {
		var rows [][]string
		for _, r := range t.Rows() {
			var cells []string
			for _, c := range r.LogicalColumns() {
				cells = append(cells, c.Text())
			}
			rows = append(rows, cells)
		}
		out = append(out, rows)
	}
	return out
}
