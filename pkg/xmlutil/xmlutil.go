// Package xmlutil holds the small etree helpers shared by the domain, storage
// and network definition parsers.
package xmlutil

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// Read parses s into a document, rejecting anything the encoding/xml decoder
// would not accept.
func Read(s string) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.ValidateInput = true
	if err := doc.ReadFromString(s); err != nil {
		return nil, errors.Errorf("reading xml: %w", err)
	}
	if doc.Root() == nil {
		return nil, errors.New("xml document has no root element")
	}
	return doc, nil
}

// String serializes doc back to text.
func String(doc *etree.Document) (string, error) {
	s, err := doc.WriteToString()
	if err != nil {
		return "", errors.Errorf("writing xml: %w", err)
	}
	return s, nil
}

// Text returns the trimmed text of the named child of e, or "".
func Text(e *etree.Element, tag string) string {
	c := e.SelectElement(tag)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}

// EnsureUUID returns the text of root's <uuid> child. When there is none, a
// random UUID is generated and inserted directly after the <name> element,
// keeping the indentation of <name>, and generated is true.
func EnsureUUID(root *etree.Element) (id string, generated bool) {
	if id = Text(root, "uuid"); id != "" {
		return id, false
	}

	id = uuid.NewString()

	// an empty <uuid/> is filled in place
	if existing := root.SelectElement("uuid"); existing != nil {
		existing.SetText(id)
		return id, true
	}

	el := etree.NewElement("uuid")
	el.SetText(id)

	name := root.SelectElement("name")
	if name == nil {
		root.AddChild(el)
		return id, true
	}

	at := name.Index() + 1
	root.InsertChildAt(at, el)
	if prev := name.Index() - 1; prev >= 0 {
		if ws, ok := root.Child[prev].(*etree.CharData); ok && ws.IsWhitespace() {
			root.InsertChildAt(at, etree.NewText(ws.Data))
		}
	}
	return id, true
}
