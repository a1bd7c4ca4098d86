package layer

import (
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agentic-research/layercache/internal/diag"
)

// ParseError reports a structurally malformed layer document. The whole
// layer is rejected; other layers still merge.
type ParseError struct {
	Origin  string
	Line    int
	Element string
	Msg     string
	Err     error
}

func (e *ParseError) Error() string {
	loc := e.Origin
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Origin, e.Line)
	}
	if e.Element != "" {
		return fmt.Sprintf("%s: <%s>: %s", loc, e.Element, e.Msg)
	}
	return fmt.Sprintf("%s: %s", loc, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

const (
	elemFilesystem = "filesystem"
	elemFolder     = "folder"
	elemFile       = "file"
	elemAttr       = "attr"
	elemArg        = "arg"
)

// Result is the outcome of parsing one document.
type Result struct {
	Root        *Node
	Schema      Schema
	Diagnostics []diag.Diagnostic
}

// Parse reads one layer document. Attribute-level problems are returned as
// diagnostics and leave an Invalid value behind; everything else is a
// *ParseError.
func Parse(origin string, r io.Reader) (*Result, error) {
	p := &parser{origin: origin, dec: xml.NewDecoder(r), schema: LatestSchema}
	root, err := p.parseDocument()
	if err != nil {
		return nil, err
	}
	return &Result{Root: root, Schema: p.schema, Diagnostics: p.diags}, nil
}

type parser struct {
	origin string
	dec    *xml.Decoder
	schema Schema
	diags  []diag.Diagnostic
	path   []string
}

func (p *parser) line() int {
	line, _ := p.dec.InputPos()
	return line
}

func (p *parser) errorf(element, format string, args ...any) *ParseError {
	return &ParseError{Origin: p.origin, Line: p.line(), Element: element, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) wrapXML(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return &ParseError{Origin: p.origin, Line: se.Line, Msg: se.Msg, Err: err}
	}
	if errors.Is(err, io.EOF) {
		return &ParseError{Origin: p.origin, Line: p.line(), Msg: "unexpected end of document", Err: err}
	}
	return &ParseError{Origin: p.origin, Line: p.line(), Msg: err.Error(), Err: err}
}

func (p *parser) warn(line int, key string, err error) {
	p.diags = append(p.diags, diag.Diagnostic{
		Severity: diag.SeverityWarning,
		Origin:   p.origin,
		Path:     strings.Join(p.path, "/"),
		Key:      key,
		Line:     line,
		Err:      err,
	})
}

func (p *parser) parseDocument() (*Node, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ParseError{Origin: p.origin, Msg: "empty document"}
			}
			return nil, p.wrapXML(err)
		}
		switch t := tok.(type) {
		case xml.Directive:
			id, ok := publicIDFromDoctype(string(t))
			if !ok {
				continue
			}
			schema, known := SchemaFor(id)
			if !known {
				return nil, p.errorf("", "unknown document type %q", id)
			}
			p.schema = schema
		case xml.StartElement:
			if t.Name.Local != elemFilesystem {
				return nil, p.errorf(t.Name.Local, "root element must be <%s>", elemFilesystem)
			}
			root := &Node{Kind: KindFolder, Line: p.line()}
			if err := p.parseFolderBody(root, elemFilesystem); err != nil {
				return nil, err
			}
			return root, p.expectEOF()
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return nil, p.errorf("", "text outside the root element")
			}
		}
	}
}

func (p *parser) expectEOF() error {
	for {
		tok, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.wrapXML(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return p.errorf(t.Name.Local, "content after the root element")
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return p.errorf("", "text after the root element")
			}
		}
	}
}

// parseFolderBody reads children and attributes until the closing tag.
func (p *parser) parseFolderBody(folder *Node, element string) error {
	seen := make(map[string]bool)
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return p.wrapXML(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case elemFolder, elemFile:
				child, err := p.parseEntry(t)
				if err != nil {
					return err
				}
				if seen[child.Name] {
					return &ParseError{Origin: p.origin, Line: child.Line, Element: t.Name.Local,
						Msg: fmt.Sprintf("duplicate name %q in %q", child.Name, strings.Join(p.path, "/"))}
				}
				seen[child.Name] = true
				folder.Children = append(folder.Children, child)
			case elemAttr:
				if err := p.parseAttrInto(folder, t); err != nil {
					return err
				}
			default:
				return p.errorf(t.Name.Local, "unexpected element inside <%s>", element)
			}
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return p.errorf(element, "unexpected text")
			}
		case xml.EndElement:
			sortByPosition(folder.Children)
			return nil
		}
	}
}

func (p *parser) parseEntry(start xml.StartElement) (*Node, error) {
	line := p.line()
	name, ok := xmlAttr(start, "name")
	if !ok || name == "" {
		return nil, p.errorf(start.Name.Local, "missing name")
	}
	if strings.Contains(name, "/") {
		return nil, p.errorf(start.Name.Local, "name %q contains a slash", name)
	}
	p.path = append(p.path, name)
	defer func() { p.path = p.path[:len(p.path)-1] }()

	if start.Name.Local == elemFolder {
		n := &Node{Name: name, Kind: KindFolder, Line: line}
		if err := p.parseFolderBody(n, elemFolder); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseFileBody(&Node{Name: name, Kind: KindFile, Line: line}, start)
}

func (p *parser) parseFileBody(n *Node, start xml.StartElement) (*Node, error) {
	ref, hasURL := xmlAttr(start, "url")
	var body []byte
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, p.wrapXML(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != elemAttr {
				return nil, p.errorf(t.Name.Local, "unexpected element inside <file>")
			}
			if err := p.parseAttrInto(n, t); err != nil {
				return nil, err
			}
		case xml.CharData:
			// Whitespace-only runs are layout; anything else (CDATA or text) is the body.
			if len(strings.TrimSpace(string(t))) > 0 {
				body = append(body, t...)
			}
		case xml.EndElement:
			switch {
			case hasURL && body != nil:
				return nil, &ParseError{Origin: p.origin, Line: n.Line, Element: elemFile,
					Msg: fmt.Sprintf("file %q has both a url and a body", n.Name)}
			case hasURL:
				n.Content = Content{Kind: ContentURL, URL: ref}
			case body != nil:
				n.Content = Content{Kind: ContentInline, Data: body}
			}
			return n, nil
		}
	}
}

func (p *parser) parseAttrInto(owner *Node, start xml.StartElement) error {
	line := p.line()
	key, ok := xmlAttr(start, "name")
	if !ok || key == "" {
		return p.errorf(elemAttr, "missing name")
	}
	if _, dup := owner.Attr(key); dup {
		return p.errorf(elemAttr, "duplicate attribute %q", key)
	}
	args, argErr, err := p.parseArgs()
	if err != nil {
		return err
	}
	v, verr := p.attrValue(start)
	if verr == nil && argErr != nil {
		verr = argErr
	}
	if verr == nil && len(args) > 0 {
		if v.Kind != ValueConstructed && v.Kind != ValueComputed {
			verr = fmt.Errorf("arguments only apply to newvalue and methodvalue")
		} else {
			v.Args = args
		}
	}
	if verr != nil {
		p.warn(line, key, verr)
		v = Invalid(verr.Error())
	}
	owner.Attrs = append(owner.Attrs, Attr{Key: key, Value: v})
	return nil
}

// parseArgs consumes the body of an <attr>. Argument problems invalidate the
// attribute (argErr) but structural problems fail the document (err).
func (p *parser) parseArgs() (args []Value, argErr error, err error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, nil, p.wrapXML(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != elemArg {
				return nil, nil, p.errorf(t.Name.Local, "unexpected element inside <attr>")
			}
			if !p.schema.allowsArgs() && argErr == nil {
				argErr = fmt.Errorf("<arg> requires schema %s", SchemaV2)
			}
			v, verr := p.attrValue(t)
			if verr == nil && v.Kind != ValueLiteral {
				verr = fmt.Errorf("argument must be a literal, got %s", v.Kind)
			}
			if verr != nil && argErr == nil {
				argErr = verr
			}
			args = append(args, v)
			if err := p.dec.Skip(); err != nil {
				return nil, nil, p.wrapXML(err)
			}
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return nil, nil, p.errorf(elemAttr, "unexpected text")
			}
		case xml.EndElement:
			return args, argErr, nil
		}
	}
}

// attrValue decodes the single value form carried by an <attr> or <arg>.
func (p *parser) attrValue(start xml.StartElement) (Value, error) {
	var form, raw string
	for _, a := range start.Attr {
		if a.Name.Local == "name" {
			continue
		}
		if !strings.HasSuffix(a.Name.Local, "value") {
			return Value{}, fmt.Errorf("unknown attribute %q", a.Name.Local)
		}
		if form != "" {
			return Value{}, fmt.Errorf("both %s and %s given", form, a.Name.Local)
		}
		form, raw = a.Name.Local, a.Value
	}
	if form == "" {
		return Value{}, fmt.Errorf("no value given")
	}
	if !p.schema.accepts(form) {
		return Value{}, fmt.Errorf("%s is not supported by schema %s", form, p.schema)
	}
	return decodeForm(form, raw)
}

func decodeForm(form, raw string) (Value, error) {
	switch form {
	case "stringvalue":
		return String(unescapeUnicode(raw)), nil
	case "boolvalue":
		switch strings.ToLower(raw) {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("bad boolvalue %q", raw)
	case "bytevalue", "shortvalue", "intvalue", "longvalue":
		bits := map[string]int{"bytevalue": 8, "shortvalue": 16, "intvalue": 32, "longvalue": 64}[form]
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, bits)
		if err != nil {
			return Value{}, fmt.Errorf("bad %s %q", form, raw)
		}
		return Int(i), nil
	case "floatvalue", "doublevalue":
		bits := 64
		if form == "floatvalue" {
			bits = 32
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), bits)
		if err != nil {
			return Value{}, fmt.Errorf("bad %s %q", form, raw)
		}
		return Float(f), nil
	case "charvalue":
		if utf8.RuneCountInString(raw) != 1 {
			return Value{}, fmt.Errorf("charvalue must be one character, got %q", raw)
		}
		return String(raw), nil
	case "urlvalue":
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return Value{}, fmt.Errorf("bad urlvalue %q", raw)
		}
		return URL(raw), nil
	case "newvalue":
		if strings.TrimSpace(raw) == "" {
			return Value{}, fmt.Errorf("empty newvalue")
		}
		return Constructed(raw), nil
	case "methodvalue":
		dot := strings.LastIndexByte(raw, '.')
		if dot <= 0 || dot == len(raw)-1 {
			return Value{}, fmt.Errorf("methodvalue %q is not Type.method", raw)
		}
		return Computed(raw[:dot], raw[dot+1:]), nil
	case "bundlevalue":
		bundle, key, ok := strings.Cut(strings.TrimSpace(raw), "#")
		if !ok || bundle == "" || key == "" {
			return Value{}, fmt.Errorf("bundlevalue %q is not bundle#key", raw)
		}
		return Bundle(bundle, key), nil
	case "serialvalue":
		b, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return Value{}, fmt.Errorf("bad serialvalue: %w", err)
		}
		return Serialized(b), nil
	}
	return Value{}, fmt.Errorf("unknown value form %q", form)
}

// unescapeUnicode expands \uXXXX sequences; malformed escapes stay literal.
func unescapeUnicode(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+6 <= len(s) && s[i+1] == 'u' {
			if r, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(r))
				i += 5
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func xmlAttr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// sortByPosition moves children with a numeric position ahead of the rest,
// ascending; ties and unpositioned children keep document order.
func sortByPosition(children []*Node) {
	sort.SliceStable(children, func(i, j int) bool {
		pi, iok := Position(children[i].Attrs)
		pj, jok := Position(children[j].Attrs)
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
}
