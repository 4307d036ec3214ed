package render

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type styleRule struct {
	sel   cascadia.Sel
	spec  cascadia.Specificity
	order int
	decls []*css.Declaration
}

type matchedDecl struct {
	decl  *css.Declaration
	spec  cascadia.Specificity
	order int
}

// collectRules parses every <style> block into selector rules in source order.
// At-rules such as @media stay in the retained <style> blocks only.
func collectRules(doc *goquery.Document) []styleRule {
	var rules []styleRule
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		sheet, err := parser.Parse(s.Text())
		if err != nil {
			return
		}
		for _, r := range sheet.Rules {
			if r.Kind != css.QualifiedRule {
				continue
			}
			for _, raw := range r.Selectors {
				sel, err := cascadia.Parse(raw)
				if err != nil {
					continue
				}
				rules = append(rules, styleRule{sel: sel, spec: sel.Specificity(), order: len(rules), decls: r.Declarations})
			}
		}
	})
	return rules
}

// inlineCSS writes the cascaded stylesheet declarations into each element's style attribute.
// Existing inline declarations win over non-important stylesheet declarations.
func inlineCSS(doc *goquery.Document) {
	rules := collectRules(doc)
	if len(rules) == 0 {
		return
	}

	root := doc.Find("body").Get(0)
	if root == nil {
		root = doc.Get(0)
	}
	matched := make(map[*html.Node][]matchedDecl)
	var nodes []*html.Node
	for _, r := range rules {
		hits := cascadia.QueryAll(root, r.sel)
		if r.sel.Match(root) {
			hits = append(hits, root)
		}
		for _, n := range hits {
			if _, ok := matched[n]; !ok {
				nodes = append(nodes, n)
			}
			for _, d := range r.decls {
				matched[n] = append(matched[n], matchedDecl{decl: d, spec: r.spec, order: r.order})
			}
		}
	}

	for _, n := range nodes {
		decls := matched[n]
		sort.SliceStable(decls, func(i, j int) bool {
			if decls[i].spec != decls[j].spec {
				return decls[i].spec.Less(decls[j].spec)
			}
			return decls[i].order < decls[j].order
		})

		sel := goquery.NewDocumentFromNode(n).Selection
		var inline []*css.Declaration
		if existing, ok := sel.Attr("style"); ok && strings.TrimSpace(existing) != "" {
			if parsed, err := parser.ParseDeclarations(existing); err == nil {
				inline = parsed
			}
		}

		c := newCascade()
		for _, d := range decls {
			if !d.decl.Important {
				c.set(d.decl)
			}
		}
		for _, d := range inline {
			if !d.Important {
				c.set(d)
			}
		}
		for _, d := range decls {
			if d.decl.Important {
				c.set(d.decl)
			}
		}
		for _, d := range inline {
			if d.Important {
				c.set(d)
			}
		}

		sel.SetAttr("style", c.String())
		if n.DataAtom == atom.Img {
			dimensionAttr(sel, "width", c.values["width"])
			dimensionAttr(sel, "height", c.values["height"])
		}
	}
}

// dimensionAttr mirrors a px or auto CSS dimension onto the matching HTML attribute.
func dimensionAttr(s *goquery.Selection, name string, d *css.Declaration) {
	if d == nil {
		return
	}
	v := strings.TrimSpace(d.Value)
	switch {
	case v == "auto":
		s.SetAttr(name, v)
	case strings.HasSuffix(v, "px"):
		s.SetAttr(name, strings.TrimSuffix(v, "px"))
	}
}

type cascade struct {
	props  []string
	values map[string]*css.Declaration
}

func newCascade() *cascade {
	return &cascade{values: make(map[string]*css.Declaration)}
}

func (c *cascade) set(d *css.Declaration) {
	prop := strings.ToLower(strings.TrimSpace(d.Property))
	if _, ok := c.values[prop]; !ok {
		c.props = append(c.props, prop)
	}
	c.values[prop] = d
}

func (c *cascade) String() string {
	parts := make([]string, 0, len(c.props))
	for _, p := range c.props {
		d := c.values[p]
		v := strings.TrimSpace(d.Value)
		if d.Important {
			v += " !important"
		}
		parts = append(parts, p+": "+v)
	}
	return strings.Join(parts, "; ")
}

type imageSize struct {
	src, width, height string
}

func imageSizes(doc *goquery.Document) []imageSize {
	var sizes []imageSize
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		sizes = append(sizes, imageSize{
			src:    s.AttrOr("src", ""),
			width:  s.AttrOr("width", ""),
			height: s.AttrOr("height", ""),
		})
	})
	return sizes
}

// fixups restores concrete image sizes the inliner replaced with auto, opens every link in a new tab,
// and turns figure and figcaption into divs so Outlook keeps their margins.
func fixups(doc *goquery.Document, before []imageSize) {
	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		if i >= len(before) || s.AttrOr("src", "") != before[i].src {
			return
		}
		if s.AttrOr("width", "") == "auto" && before[i].width != "" && before[i].width != "auto" {
			s.SetAttr("width", before[i].width)
		}
		if s.AttrOr("height", "") == "auto" && before[i].height != "" && before[i].height != "auto" {
			s.SetAttr("height", before[i].height)
		}
	})

	doc.Find("a").SetAttr("target", "_blank")

	doc.Find("figure, figcaption").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		n.Data = "div"
		n.DataAtom = atom.Div
	})
}
