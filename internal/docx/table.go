package docx

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Table is a w:tbl element. Rows and cells are materialized once per table so
// that cell pointers can be compared as merge identities.
type Table struct {
	n    *node
	rows []*Row
	grid [][]*Cell
}

// Row is a w:tr element.
type Row struct {
	n     *node
	t     *Table
	index int
	cells []*Cell
}

// Cell is a physical w:tc element.
type Cell struct {
	n *node
}

// Rows returns the table rows in order.
func (t *Table) Rows() []*Row {
	if t.rows != nil {
		return t.rows
	}
	for i, tr := range t.n.childrenNamed("tr") {
		r := &Row{n: tr, t: t, index: i}
		for _, tc := range rowCellNodes(tr) {
			r.cells = append(r.cells, &Cell{n: tc})
		}
		t.rows = append(t.rows, r)
	}
	if t.rows == nil {
		t.rows = []*Row{}
	}
	return t.rows
}

// rowCellNodes returns the w:tc elements of a row, looking through
// structured-document-tag wrappers.
func rowCellNodes(tr *node) []*node {
	var out []*node
	for _, c := range tr.children {
		switch {
		case c.is("tc"):
			out = append(out, c)
		case c.is("sdt"):
			if content := c.child("sdtContent"); content != nil {
				out = append(out, content.childrenNamed("tc")...)
			}
		}
	}
	return out
}

// Index is the position of the row within its table.

// Cells returns the physical cells of the row.
func (r *Row) Cells() []*Cell { return r.cells }

// GridCells returns one entry per grid column covered by the row. A cell
// spanning several columns is repeated, a vertical merge continuation is
// replaced by the cell that opened the merge, and columns skipped with
// gridBefore are nil.
func (r *Row) GridCells() []*Cell {
	r.t.buildGrid()
	return r.t.grid[r.index]
}

// LogicalColumns collapses consecutive grid entries that share a merge
// identity, dropping skipped columns.
func (r *Row) LogicalColumns() []*Cell {
	var out []*Cell
	var last *Cell
	for _, c := range r.GridCells() {
		if c == nil || c == last {
			last = c
			continue
		}
		out = append(out, c)
		last = c
	}
	return out
}

func (t *Table) buildGrid() {
	if t.grid != nil {
		return
	}
	rows := t.Rows()
	t.grid = make([][]*Cell, len(rows))
	for i, r := range rows {
		var g []*Cell
		for range gridBefore(r.n) {
			g = append(g, nil)
		}
		for _, c := range r.cells {
			id := c
			if c.continuesMerge() && i > 0 {
				prev := t.grid[i-1]
				if pos := len(g); pos < len(prev) && prev[pos] != nil {
					id = prev[pos]
				}
			}
			for range c.Span() {
				g = append(g, id)
			}
		}
		t.grid[i] = g
	}
}

func gridBefore(tr *node) int {
	trPr := tr.child("trPr")
	if trPr == nil {
		return 0
	}
	return intVal(trPr.child("gridBefore"), 0)
}

func intVal(n *node, def int) int {
	if n == nil {
		return def
	}
	v, ok := n.attr("val")
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// Span is the number of grid columns the cell covers (w:gridSpan, default 1).
func (c *Cell) Span() int {
	tcPr := c.n.child("tcPr")
	if tcPr == nil {
		return 1
	}
	if s := intVal(tcPr.child("gridSpan"), 1); s > 1 {
		return s
	}
	return 1
}

func (c *Cell) continuesMerge() bool {
	tcPr := c.n.child("tcPr")
	if tcPr == nil {
		return false
	}
	vm := tcPr.child("vMerge")
	if vm == nil {
		return false
	}
	v, ok := vm.attr("val")
	return !ok || v == "continue"
}

// Text returns the cell's paragraph texts joined by newlines.
func (c *Cell) Text() string {
	var paras []string
	for _, p := range c.n.childrenNamed("p") {
		var sb strings.Builder
		paragraphText(p, &sb)
		paras = append(paras, sb.String())
	}
	return strings.Join(paras, "\n")
}

func paragraphText(n *node, sb *strings.Builder) {
	for _, c := range n.children {
		if c.kind != elementNode {
			continue
		}
		switch c.name.Local {
		case "pPr", "rPr", "Fallback", "delText", "instrText":
			continue
		case "t":
			for _, tn := range c.children {
				if tn.kind == textNode {
					sb.Write(tn.data)
				}
			}
		case "tab":
			sb.WriteByte('\t')
		case "br", "cr":
			sb.WriteByte('\n')
		default:
			paragraphText(c, sb)
		}
	}
}

// SetText replaces the cell content with s as a single paragraph holding a
// single run. Cell properties are kept, as are the paragraph and run
// properties of the first paragraph and first run. Newlines become breaks and
// tabs become tab elements.
func (c *Cell) SetText(s string) {
	prefix := c.n.name.Space
	tcPr := c.n.child("tcPr")

	var pPr, rPr *node
	if first := c.n.child("p"); first != nil {
		if pp := first.child("pPr"); pp != nil {
			pPr = pp.clone()
		}
		if r := firstRun(first); r != nil {
			if rp := r.child("rPr"); rp != nil {
				rPr = rp.clone()
			}
		}
	}

	p := newElement(prefix, "p")
	if pPr != nil {
		p.appendChild(pPr)
	}
	if s != "" {
		r := newElement(prefix, "r")
		if rPr != nil {
			r.appendChild(rPr)
		}
		for i, line := range strings.Split(s, "\n") {
			if i > 0 {
				r.appendChild(newElement(prefix, "br"))
			}
			for j, seg := range strings.Split(line, "\t") {
				if j > 0 {
					r.appendChild(newElement(prefix, "tab"))
				}
				if seg == "" {
					continue
				}
				t := newElement(prefix, "t")
				if strings.TrimSpace(seg) != seg {
					t.attrs = append(t.attrs, xml.Attr{Name: xml.Name{Space: "xml", Local: "space"}, Value: "preserve"})
				}
				t.appendChild(newText(seg))
				r.appendChild(t)
			}
		}
		p.appendChild(r)
	}

	c.n.children = nil
	if tcPr != nil {
		c.n.appendChild(tcPr)
	}
	c.n.appendChild(p)
}

func firstRun(n *node) *node {
	for _, c := range n.children {
		if c.is("r") {
			return c
		}
		if c.kind == elementNode && !c.is("pPr") {
			if r := firstRun(c); r != nil {
				return r
			}
		}
	}
	return nil
}
