// Package docx reads and rewrites the tables of an OOXML word-processing
// package. Only word/document.xml is parsed; every other part is carried
// through unchanged on save.
package docx

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const documentPart = "word/document.xml"

var (
	// ErrNotDocx is returned when the input is not a zip package.
	ErrNotDocx = errors.New("not a docx package")
	// ErrNoDocumentPart is returned when the package has no word/document.xml.
	ErrNoDocumentPart = errors.New("docx package has no word/document.xml")
)

// Document is an opened package with its main document part parsed.
type Document struct {
	zr   *zip.Reader
	root *node
	body *node
}

// Open reads the package at path into memory.
func Open(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	return Read(bytes.NewReader(data), int64(len(data)))
}

// Read parses a package from r. The reader must stay valid for as long as the
// document is used, since untouched parts are copied from it on save.
func Read(r io.ReaderAt, size int64) (*Document, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocx, err)
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == documentPart {
			part = f
			break
		}
	}
	if part == nil {
		return nil, ErrNoDocumentPart
	}
	rc, err := part.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", documentPart, err)
	}
	defer rc.Close()

	root, err := parseTree(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", documentPart, err)
	}
	d := &Document{zr: zr, root: root}
	if doc := root.child("document"); doc != nil {
		d.body = doc.child("body")
	}
	return d, nil
}

// Tables returns the body-level tables in document order.
func (d *Document) Tables() []*Table {
	if d.body == nil {
		return nil
	}
	var out []*Table
	for _, n := range d.body.childrenNamed("tbl") {
		out = append(out, &Table{n: n})
	}
	return out
}

// Save writes the document to path through a temporary file in the same
// directory, so a failed write leaves any existing file intact.
func (d *Document) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".labgrader-*.docx")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := d.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename docx: %w", err)
	}
	return nil
}

// WriteTo serializes the package. Parts other than word/document.xml are
// copied without recompression.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, f := range d.zr.File {
		if f.Name == documentPart {
			var buf bytes.Buffer
			d.root.writeTo(&buf)
			hdr := &zip.FileHeader{
				Name:     f.Name,
				Method:   zip.Deflate,
				Modified: f.Modified,
			}
			fw, err := zw.CreateHeader(hdr)
			if err != nil {
				return cw.n, fmt.Errorf("write %s: %w", f.Name, err)
			}
			if _, err := fw.Write(buf.Bytes()); err != nil {
				return cw.n, fmt.Errorf("write %s: %w", f.Name, err)
			}
			continue
		}
		if err := copyRaw(zw, f); err != nil {
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("close zip: %w", err)
	}
	return cw.n, nil
}

func copyRaw(zw *zip.Writer, f *zip.File) error {
	hdr := f.FileHeader
	fw, err := zw.CreateRaw(&hdr)
	if err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	rc, err := f.OpenRaw()
	if err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
