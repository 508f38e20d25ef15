package docx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

type nodeKind int

const (
	documentNode nodeKind = iota
	elementNode
	textNode
	commentNode
	procInstNode
	directiveNode
)

// node is a minimal mutable XML tree. Names keep their raw prefixes (RawToken
// does not resolve namespaces), so serializing the tree reproduces the
// original prefixes and namespace declarations.
type node struct {
	kind     nodeKind
	name     xml.Name
	attrs    []xml.Attr
	data     []byte
	target   string
	parent   *node
	children []*node
}

func (n *node) is(local string) bool {
	return n != nil && n.kind == elementNode && n.name.Local == local
}

// child returns the first direct element child with the given local name.
func (n *node) child(local string) *node {
	for _, c := range n.children {
		if c.is(local) {
			return c
		}
	}
	return nil
}

// childrenNamed returns the direct element children with the given local name.
func (n *node) childrenNamed(local string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.is(local) {
			out = append(out, c)
		}
	}
	return out
}

// attr returns the value of the attribute with the given local name.
func (n *node) attr(local string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) appendChild(c *node) {
	c.parent = n
	n.children = append(n.children, c)
}

func (n *node) clone() *node {
	cp := &node{
		kind:   n.kind,
		name:   n.name,
		target: n.target,
	}
	if n.attrs != nil {
		cp.attrs = append([]xml.Attr(nil), n.attrs...)
	}
	if n.data != nil {
		cp.data = append([]byte(nil), n.data...)
	}
	for _, c := range n.children {
		cp.appendChild(c.clone())
	}
	return cp
}

func newElement(prefix, local string, attrs ...xml.Attr) *node {
	return &node{kind: elementNode, name: xml.Name{Space: prefix, Local: local}, attrs: attrs}
}

func newText(s string) *node {
	return &node{kind: textNode, data: []byte(s)}
}

func parseTree(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	root := &node{kind: documentNode}
	cur := root
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &node{kind: elementNode, name: t.Name, attrs: append([]xml.Attr(nil), t.Attr...)}
			cur.appendChild(el)
			cur = el
		case xml.EndElement:
			if cur.parent == nil || cur.name != t.Name {
				return nil, fmt.Errorf("decode xml: unexpected end element %s", qname(t.Name))
			}
			cur = cur.parent
		case xml.CharData:
			cur.appendChild(&node{kind: textNode, data: append([]byte(nil), t...)})
		case xml.Comment:
			cur.appendChild(&node{kind: commentNode, data: append([]byte(nil), t...)})
		case xml.ProcInst:
			cur.appendChild(&node{kind: procInstNode, target: t.Target, data: append([]byte(nil), t.Inst...)})
		case xml.Directive:
			cur.appendChild(&node{kind: directiveNode, data: append([]byte(nil), t...)})
		}
	}
	if cur != root {
		return nil, fmt.Errorf("decode xml: unclosed element %s", qname(cur.name))
	}
	return root, nil
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func (n *node) writeTo(buf *bytes.Buffer) {
	switch n.kind {
	case documentNode:
		for _, c := range n.children {
			c.writeTo(buf)
		}
	case elementNode:
		buf.WriteByte('<')
		buf.WriteString(qname(n.name))
		for _, a := range n.attrs {
			buf.WriteByte(' ')
			buf.WriteString(qname(a.Name))
			buf.WriteString(`="`)
			escapeAttr(buf, a.Value)
			buf.WriteByte('"')
		}
		if len(n.children) == 0 {
			buf.WriteString("/>")
			return
		}
		buf.WriteByte('>')
		for _, c := range n.children {
			c.writeTo(buf)
		}
		buf.WriteString("</")
		buf.WriteString(qname(n.name))
		buf.WriteByte('>')
	case textNode:
		escapeText(buf, n.data)
	case commentNode:
		buf.WriteString("<!--")
		buf.Write(n.data)
		buf.WriteString("-->")
	case procInstNode:
		buf.WriteString("<?")
		buf.WriteString(n.target)
		if len(n.data) > 0 {
			buf.WriteByte(' ')
			buf.Write(n.data)
		}
		buf.WriteString("?>")
	case directiveNode:
		buf.WriteString("<!")
		buf.Write(n.data)
		buf.WriteByte('>')
	}
}

func escapeText(buf *bytes.Buffer, s []byte) {
	for _, b := range s {
		switch b {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '\r':
			buf.WriteString("&#xD;")
		default:
			buf.WriteByte(b)
		}
	}
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"\n", "&#xA;",
	"\r", "&#xD;",
	"\t", "&#x9;",
)

func escapeAttr(buf *bytes.Buffer, s string) {
	buf.WriteString(attrEscaper.Replace(s))
}
