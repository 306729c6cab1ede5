package chat

import (
	"fmt"
	"sort"
	"strings"
)

// hudNode is one element in the rendered memory display. Children keep
// insertion order; repeated adds under the same path append siblings at
// the leaf and merge intermediate elements.
type hudNode struct {
	name     string
	attrs    map[string]string
	content  string
	nowrap   bool
	children []*hudNode
}

// HUDFormatter builds the nested XML-ish block the persona sees as its
// heads-up memory display.
type HUDFormatter struct {
	root   []*hudNode
	length int
}

// NewHUDFormatter returns an empty formatter.
func NewHUDFormatter() *HUDFormatter {
	return &HUDFormatter{}
}

// Add appends content at the given element path. The final path element
// is always created fresh; ancestors are reused when they already exist.
func (f *HUDFormatter) Add(path []string, content string, attrs map[string]string) {
	f.add(path, content, attrs, false)
}

// AddInline behaves like Add but renders the element on a single line.
func (f *HUDFormatter) AddInline(path []string, content string, attrs map[string]string) {
	f.add(path, content, attrs, true)
}

func (f *HUDFormatter) add(path []string, content string, attrs map[string]string, nowrap bool) {
	if len(path) == 0 {
		return
	}
	siblings := &f.root
	for _, name := range path[:len(path)-1] {
		var found *hudNode
		for _, n := range *siblings {
			if n.name == name {
				found = n
				break
			}
		}
		if found == nil {
			found = &hudNode{name: name}
			*siblings = append(*siblings, found)
		}
		siblings = &found.children
	}
	*siblings = append(*siblings, &hudNode{
		name:    path[len(path)-1],
		attrs:   attrs,
		content: content,
		nowrap:  nowrap,
	})
	f.length += len(content)
}

// Length is the total content length added so far, used for budget math.
func (f *HUDFormatter) Length() int { return f.length }

// Render returns the full nested block.
func (f *HUDFormatter) Render() string {
	var b strings.Builder
	for _, n := range f.root {
		renderNode(&b, n, 0)
	}
	return b.String()
}

func renderNode(b *strings.Builder, n *hudNode, depth int) {
	indent := strings.Repeat("  ", depth)
	open := n.name
	for _, k := range sortedAttrKeys(n.attrs) {
		open += fmt.Sprintf(" %s=%q", k, n.attrs[k])
	}
	if n.nowrap && len(n.children) == 0 {
		fmt.Fprintf(b, "%s<%s>%s</%s>\n", indent, open, n.content, n.name)
		return
	}
	fmt.Fprintf(b, "%s<%s>\n", indent, open)
	if n.content != "" {
		fmt.Fprintf(b, "%s\n", n.content)
	}
	for _, c := range n.children {
		renderNode(b, c, depth+1)
	}
	fmt.Fprintf(b, "%s</%s>\n", indent, n.name)
}

func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
