// Package document holds the attribute-bearing element tree that add-on
// descriptor files are read into and written from.
package document

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed is returned when input cannot be read as a single XML element tree.
var ErrMalformed = errors.New("malformed document")

// Attr is a single name/value attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is a named node with ordered attributes, text content and ordered children.
type Element struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Element
}

// New creates an empty element.
func New(name string) *Element {
	return &Element{Name: name}
}

// Attr returns the value of the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets an attribute, replacing an existing value in place so
// attribute order stays stable across rewrites.
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
}

// AttrMap returns the attributes as a map. Later duplicates win.
func (e *Element) AttrMap() map[string]string {
	m := make(map[string]string, len(e.Attrs))
	for _, a := range e.Attrs {
		m[a.Name] = a.Value
	}
	return m
}

// AddChild appends a child element.
func (e *Element) AddChild(child *Element) {
	e.Children = append(e.Children, child)
}

// ChildrenNamed returns all direct children with the given name, in document order.
func (e *Element) ChildrenNamed(name string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first direct child with the given name, or nil.
func (e *Element) FirstChild(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Decode reads exactly one root element from r.
func Decode(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)

	var (
		root  *Element
		stack []*Element
	)
	for {
		// RawToken keeps namespace prefixes as written; element nesting is
		// checked here instead.
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, fmt.Errorf("%w: more than one root element", ErrMalformed)
			}
			el := New(qualified(t.Name))
			for _, a := range t.Attr {
				el.SetAttr(qualified(a.Name), a.Value)
			}
			if len(stack) > 0 {
				stack[len(stack)-1].AddChild(el)
			} else {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			name := qualified(t.Name)
			if len(stack) == 0 || stack[len(stack)-1].Name != name {
				return nil, fmt.Errorf("%w: unexpected end element </%s>", ErrMalformed, name)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: text outside root element", ErrMalformed)
			}
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: element <%s> not closed", ErrMalformed, stack[len(stack)-1].Name)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	}
	return root, nil
}

// Encode writes el as an indented XML document with a header line.
func Encode(w io.Writer, el *Element) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(xml.Header)
	writeElement(bw, el, 0)
	return bw.Flush()
}

// Marshal is Encode into a byte slice.
func Marshal(el *Element) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, el); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// qualified renders a raw name as written, prefix included.
func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// bufio.Writer keeps the first write error until Flush, so the
// individual writes below are not checked.
func writeElement(w *bufio.Writer, el *Element, depth int) {
	indent := strings.Repeat("  ", depth)

	w.WriteString(indent)
	w.WriteByte('<')
	w.WriteString(el.Name)
	for _, a := range el.Attrs {
		w.WriteByte(' ')
		w.WriteString(a.Name)
		w.WriteString(`="`)
		xml.EscapeText(w, []byte(a.Value))
		w.WriteByte('"')
	}

	text := strings.TrimSpace(el.Text)
	switch {
	case len(el.Children) == 0 && text == "":
		w.WriteString("/>\n")
	case len(el.Children) == 0:
		w.WriteByte('>')
		xml.EscapeText(w, []byte(el.Text))
		w.WriteString("</" + el.Name + ">\n")
	default:
		w.WriteString(">\n")
		if text != "" {
			w.WriteString(indent + "  ")
			xml.EscapeText(w, []byte(text))
			w.WriteByte('\n')
		}
		for _, c := range el.Children {
			writeElement(w, c, depth+1)
		}
		w.WriteString(indent + "</" + el.Name + ">\n")
	}
}
