package layer

import (
	"strings"
)

// Schema is a layer document grammar revision.
type Schema uint8

const (
	// SchemaV1 is the Filesystem 1.0 and 1.1 grammar: every scalar literal
	// plus the constructed, computed and serialized forms.
	SchemaV1 Schema = 1
	// SchemaV2 is the Filesystem 1.2 grammar. It adds localized bundle
	// references, and this implementation also accepts <arg> children for
	// constructed and computed values.
	SchemaV2 Schema = 2

	LatestSchema = SchemaV2
)

func (s Schema) String() string {
	switch s {
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Public identifiers documents declare in their DOCTYPE.
const (
	PublicID10 = "-//NetBeans//DTD Filesystem 1.0//EN"
	PublicID11 = "-//NetBeans//DTD Filesystem 1.1//EN"
	PublicID12 = "-//NetBeans//DTD Filesystem 1.2//EN"
)

var publicIDs = map[string]Schema{
	PublicID10: SchemaV1,
	PublicID11: SchemaV1,
	PublicID12: SchemaV2,
}

// SchemaFor maps a DOCTYPE public identifier to the schema it declares.
func SchemaFor(publicID string) (Schema, bool) {
	s, ok := publicIDs[publicID]
	return s, ok
}

// publicIDFromDoctype extracts the public identifier of a DOCTYPE directive,
// e.g. `DOCTYPE filesystem PUBLIC "-//...//EN" "http://..."`.
func publicIDFromDoctype(directive string) (string, bool) {
	fields := strings.Fields(directive)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "DOCTYPE") {
		return "", false
	}
	idx := strings.Index(directive, "PUBLIC")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(directive[idx+len("PUBLIC"):])
	if rest == "" {
		return "", false
	}
	quote := rest[0]
	if quote != '"' && quote != '\'' {
		return "", false
	}
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return "", false
	}
	return rest[1 : 1+end], true
}

// valueForms lists the attribute value spellings each schema accepts.
var valueForms = map[Schema]map[string]bool{
	SchemaV1: v1Forms,
	SchemaV2: withForms(v1Forms, "bundlevalue"),
}

var v1Forms = map[string]bool{
	"bytevalue":   true,
	"shortvalue":  true,
	"intvalue":    true,
	"longvalue":   true,
	"floatvalue":  true,
	"doublevalue": true,
	"boolvalue":   true,
	"charvalue":   true,
	"stringvalue": true,
	"urlvalue":    true,
	"methodvalue": true,
	"newvalue":    true,
	"serialvalue": true,
}

func withForms(base map[string]bool, extra ...string) map[string]bool {
	out := make(map[string]bool, len(base)+len(extra))
	for k := range base {
		out[k] = true
	}
	for _, k := range extra {
		out[k] = true
	}
	return out
}

func (s Schema) accepts(form string) bool { return valueForms[s][form] }

func (s Schema) allowsArgs() bool { return s >= SchemaV2 }
