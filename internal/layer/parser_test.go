package layer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doctype12 = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE filesystem PUBLIC "-//NetBeans//DTD Filesystem 1.2//EN" "http://www.netbeans.org/dtds/filesystem-1_2.dtd">
`

const doctype10 = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE filesystem PUBLIC "-//NetBeans//DTD Filesystem 1.0//EN" "http://www.netbeans.org/dtds/filesystem-1_0.dtd">
`

func parse(t *testing.T, doc string) *Result {
	t.Helper()
	res, err := Parse("test.xml", strings.NewReader(doc))
	require.NoError(t, err)
	return res
}

func TestParse_FoldersFilesAndAttributes(t *testing.T) {
	res := parse(t, doctype12+`
<filesystem>
  <folder name="foo">
    <file name="test1">
      <attr name="y" stringvalue="two"/>
    </file>
    <file name="test2"><![CDATA[rara!]]></file>
    <file name="ref" url="data/ref.txt"/>
  </folder>
</filesystem>`)

	assert.Equal(t, SchemaV2, res.Schema)
	assert.Empty(t, res.Diagnostics)

	foo := res.Root.Child("foo")
	require.NotNil(t, foo)
	assert.Equal(t, KindFolder, foo.Kind)
	require.Len(t, foo.Children, 3)

	test1 := foo.Child("test1")
	require.NotNil(t, test1)
	y, ok := test1.Attr("y")
	require.True(t, ok)
	assert.True(t, y.Equal(String("two")))
	assert.Equal(t, ContentNone, test1.Content.Kind)

	test2 := res.Root.Lookup("foo/test2")
	require.NotNil(t, test2)
	assert.Equal(t, ContentInline, test2.Content.Kind)
	assert.Equal(t, "rara!", string(test2.Content.Data))

	ref := foo.Child("ref")
	assert.Equal(t, ContentURL, ref.Content.Kind)
	assert.Equal(t, "data/ref.txt", ref.Content.URL)
}

func TestParse_ValueForms(t *testing.T) {
	res := parse(t, doctype12+`
<filesystem>
  <file name="f">
    <attr name="s" stringvalue="café"/>
    <attr name="b" boolvalue="TRUE"/>
    <attr name="i" intvalue="42"/>
    <attr name="l" longvalue="9000000000"/>
    <attr name="d" doublevalue="2.5"/>
    <attr name="c" charvalue="x"/>
    <attr name="u" urlvalue="file:///tmp/x"/>
    <attr name="by" bytevalue="-5"/>
    <attr name="sh" shortvalue="300"/>
    <attr name="label" bundlevalue="org.example.menu.Bundle#CTL_Open"/>
    <attr name="obj" newvalue="example.Widget"/>
    <attr name="calc" methodvalue="example.Factory.create">
      <arg stringvalue="a"/>
      <arg intvalue="7"/>
    </attr>
    <attr name="blob" serialvalue="aced0005"/>
  </file>
</filesystem>`)
	require.Empty(t, res.Diagnostics)
	f := res.Root.Child("f")

	check := func(key string, want Value) {
		t.Helper()
		got, ok := f.Attr(key)
		require.True(t, ok, key)
		assert.True(t, got.Equal(want), "%s: got %s want %s", key, got, want)
	}
	check("s", String("café"))
	check("b", Bool(true))
	check("i", Int(42))
	check("l", Int(9000000000))
	check("d", Float(2.5))
	check("c", String("x"))
	check("u", URL("file:///tmp/x"))
	check("by", Int(-5))
	check("sh", Int(300))
	check("label", Bundle("org.example.menu.Bundle", "CTL_Open"))
	check("obj", Constructed("example.Widget"))
	check("calc", Computed("example.Factory", "create", String("a"), Int(7)))
	check("blob", Serialized([]byte{0xac, 0xed, 0x00, 0x05}))
}

func TestParse_MalformedAttributeKeepsNode(t *testing.T) {
	res := parse(t, doctype12+`
<filesystem>
  <file name="f">
    <attr name="bad" intvalue="twelve"/>
    <attr name="none"/>
    <attr name="ok" stringvalue="fine"/>
  </file>
</filesystem>`)
	f := res.Root.Child("f")
	require.NotNil(t, f)

	bad, ok := f.Attr("bad")
	require.True(t, ok)
	assert.Equal(t, ValueInvalid, bad.Kind)
	none, _ := f.Attr("none")
	assert.Equal(t, ValueInvalid, none.Kind)
	okv, _ := f.Attr("ok")
	assert.Equal(t, ValueLiteral, okv.Kind)

	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, "bad", res.Diagnostics[0].Key)
	assert.Equal(t, "f", res.Diagnostics[0].Path)
}

func TestParse_SchemaV1RejectsNewerForms(t *testing.T) {
	res := parse(t, doctype10+`
<filesystem>
  <file name="f">
    <attr name="d" doublevalue="1.5"/>
    <attr name="by" bytevalue="7"/>
    <attr name="m" methodvalue="a.B.c"><arg stringvalue="x"/></attr>
    <attr name="x" bundlevalue="org.example.Bundle#KEY"/>
    <attr name="i" intvalue="3"/>
  </file>
</filesystem>`)
	assert.Equal(t, SchemaV1, res.Schema)
	f := res.Root.Child("f")
	d, _ := f.Attr("d")
	assert.True(t, d.Equal(Float(1.5)))
	by, _ := f.Attr("by")
	assert.True(t, by.Equal(Int(7)))
	m, _ := f.Attr("m")
	assert.Equal(t, ValueInvalid, m.Kind)
	x, _ := f.Attr("x")
	assert.Equal(t, ValueInvalid, x.Kind)
	i, _ := f.Attr("i")
	assert.True(t, i.Equal(Int(3)))
}

func TestParse_NetBeansLayer(t *testing.T) {
	const layer11 = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE filesystem PUBLIC "-//NetBeans//DTD Filesystem 1.1//EN" "http://www.netbeans.org/dtds/filesystem-1_1.dtd">
<filesystem>
    <folder name="Menu">
        <folder name="File">
            <file name="org-example-OpenAction.instance">
                <attr name="instanceCreate" methodvalue="org.example.OpenAction.create"/>
                <attr name="position" intvalue="100"/>
            </file>
            <file name="Separator1.instance_hidden"/>
        </folder>
    </folder>
</filesystem>
`
	res := parse(t, layer11)
	assert.Equal(t, SchemaV1, res.Schema)
	assert.Empty(t, res.Diagnostics)
	open := res.Root.Lookup("Menu/File/org-example-OpenAction.instance")
	require.NotNil(t, open)
	v, _ := open.Attr("instanceCreate")
	assert.True(t, v.Equal(Computed("org.example.OpenAction", "create")))

	res = parse(t, doctype12+`<filesystem>
    <folder name="Toolbars">
        <attr name="displayName" bundlevalue="org.example.Bundle#Toolbars"/>
    </folder>
</filesystem>`)
	assert.Equal(t, SchemaV2, res.Schema)
	dn, _ := res.Root.Child("Toolbars").Attr("displayName")
	assert.Equal(t, BundleFunc, dn.FuncName())
	assert.True(t, dn.Equal(Bundle("org.example.Bundle", "Toolbars")))
}

func TestParse_BadNumericAndBundleForms(t *testing.T) {
	res := parse(t, doctype12+`<filesystem><file name="f">
  <attr name="big" bytevalue="200"/>
  <attr name="hex" bytevalue="cafe"/>
  <attr name="nokey" bundlevalue="org.example.Bundle"/>
</file></filesystem>`)
	f := res.Root.Child("f")
	for _, k := range []string{"big", "hex", "nokey"} {
		v, _ := f.Attr(k)
		assert.Equal(t, ValueInvalid, v.Kind, k)
	}
	assert.Len(t, res.Diagnostics, 3)
}

func TestParse_NoDoctypeUsesLatestSchema(t *testing.T) {
	res := parse(t, `<filesystem><file name="a"><attr name="x" floatvalue="1.5"/></file></filesystem>`)
	assert.Equal(t, LatestSchema, res.Schema)
	x, _ := res.Root.Child("a").Attr("x")
	assert.True(t, x.Equal(Float(1.5)))
}

func TestParse_UnknownDoctype(t *testing.T) {
	_, err := Parse("odd.xml", strings.NewReader(`<!DOCTYPE filesystem PUBLIC "-//Other//DTD Thing//EN" "x"><filesystem/>`))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "odd.xml", pe.Origin)
	assert.Contains(t, pe.Msg, "unknown document type")
}

func TestParse_DuplicateChildIsError(t *testing.T) {
	_, err := Parse("dup.xml", strings.NewReader(`<filesystem>
<folder name="a"/>
<file name="a"/>
</filesystem>`))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Line)
	assert.Equal(t, "file", pe.Element)
	assert.Contains(t, pe.Error(), "dup.xml:3")
}

func TestParse_StructuralErrors(t *testing.T) {
	cases := map[string]string{
		"wrong root":       `<layers/>`,
		"unknown element":  `<filesystem><thing name="x"/></filesystem>`,
		"missing name":     `<filesystem><folder/></filesystem>`,
		"url and body":     `<filesystem><file name="x" url="a">body</file></filesystem>`,
		"text in folder":   `<filesystem><folder name="x">hello</folder></filesystem>`,
		"truncated":        `<filesystem><folder name="x">`,
		"duplicate attr":   `<filesystem><file name="x"><attr name="a" intvalue="1"/><attr name="a" intvalue="2"/></file></filesystem>`,
		"slash in name":    `<filesystem><file name="a/b"/></filesystem>`,
		"trailing element": `<filesystem/><filesystem/>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("x.xml", strings.NewReader(doc))
			var pe *ParseError
			assert.True(t, errors.As(err, &pe), "got %v", err)
		})
	}
}

func TestParse_PositionReordersSiblings(t *testing.T) {
	res := parse(t, `<filesystem>
  <file name="c"/>
  <file name="b"><attr name="position" intvalue="200"/></file>
  <file name="a"><attr name="position" intvalue="100"/></file>
  <file name="d"/>
</filesystem>`)
	var names []string
	for _, c := range res.Root.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestParse_MaskFile(t *testing.T) {
	res := parse(t, `<filesystem><folder name="menu"><file name="Edit_hidden"/></folder></filesystem>`)
	target, ok := res.Root.Lookup("menu/Edit_hidden").MaskTarget()
	assert.True(t, ok)
	assert.Equal(t, "Edit", target)
}

func TestPublicIDFromDoctype(t *testing.T) {
	id, ok := publicIDFromDoctype(`DOCTYPE filesystem PUBLIC '-//NetBeans//DTD Filesystem 1.2//EN' 'x'`)
	require.True(t, ok)
	s, known := SchemaFor(id)
	assert.True(t, known)
	assert.Equal(t, SchemaV2, s)

	_, ok = publicIDFromDoctype(`DOCTYPE filesystem SYSTEM "x.dtd"`)
	assert.False(t, ok)
}
