package layer

import (
	"strings"
	"testing"
)

func FuzzParse(f *testing.F) {
	// Seed corpus
	f.Add(`<filesystem><folder name="foo"><file name="a"/></folder></filesystem>`)
	f.Add(`<!DOCTYPE filesystem PUBLIC "-//NetBeans//DTD Filesystem 1.0//EN" "x"><filesystem><file name="a"><attr name="k" intvalue="1"/></file></filesystem>`)
	f.Add(`<filesystem><file name="b"><attr name="m" methodvalue="a.b"><arg stringvalue="A"/></attr></file></filesystem>`)
	f.Add(`<filesystem><file name="c" url="x.txt"><![CDATA[body]]></file></filesystem>`)

	f.Fuzz(func(t *testing.T, data string) {
		res, err := Parse("fuzz", strings.NewReader(data))
		if err != nil {
			// malformed documents fail, they must not panic
			return
		}
		if res.Root == nil || res.Root.Kind != KindFolder {
			t.Fatal("parsed document without a root folder")
		}
		var walk func(n *Node)
		walk = func(n *Node) {
			seen := make(map[string]bool, len(n.Children))
			for _, c := range n.Children {
				if c.Name == "" || strings.Contains(c.Name, "/") {
					t.Fatalf("invalid child name %q", c.Name)
				}
				if seen[c.Name] {
					t.Fatalf("duplicate child %q", c.Name)
				}
				seen[c.Name] = true
				walk(c)
			}
		}
		walk(res.Root)
	})
}
