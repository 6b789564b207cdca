package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Node is one statement of the configuration tree: a leaf ending in ';'
// or a block with children in braces.
type Node struct {
	// Keys are the words of the statement, e.g. ["pipe", "root"] or
	// ["match", "outer.ip4.dst", "outer.l4.dst_port"].
	Keys     []string
	Children []*Node
	IsLeaf   bool

	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// Arg returns key i+1, or "" when absent.
func (n *Node) Arg(i int) string {
	if i+1 >= len(n.Keys) {
		return ""
	}
	return n.Keys[i+1]
}

// Args returns all keys after the name.
func (n *Node) Args() []string {
	if len(n.Keys) < 2 {
		return nil
	}
	return n.Keys[1:]
}

func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child named name.
func (n *Node) FindChild(name string) *Node {
	return findNode(n.Children, name)
}

// FindChildren returns all children named name.
func (n *Node) FindChildren(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

func findNode(nodes []*Node, name string) *Node {
	for _, c := range nodes {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

func (t *ConfigTree) FindChild(name string) *Node {
	return findNode(t.Children, name)
}

// Clone returns a deep copy of the tree.
func (t *ConfigTree) Clone() *ConfigTree {
	if t == nil {
		return nil
	}
	return &ConfigTree{Children: cloneNodes(t.Children)}
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		c := *n
		c.Keys = slices.Clone(n.Keys)
		c.Children = cloneNodes(n.Children)
		out[i] = &c
	}
	return out
}

// ValueHint names the kind of dynamic value expected after a keyword.
type ValueHint int

const (
	ValueHintNone ValueHint = iota
	ValueHintPortID
	ValueHintPipeName
	ValueHintEntryName
	ValueHintResourceID
	ValueHintSyslogHost
)

// ValueProvider returns candidate values for a hint, for tab completion.
type ValueProvider func(hint ValueHint) []string

// schemaNode describes a container keyword. args is the number of words
// after the keyword that belong to the container's identity.
type schemaNode struct {
	args      int
	children  map[string]*schemaNode
	valueHint ValueHint
}

var setSchema = &schemaNode{children: map[string]*schemaNode{
	"system": {children: map[string]*schemaNode{
		"syslog": {children: map[string]*schemaNode{
			"host": {args: 1, valueHint: ValueHintSyslogHost, children: map[string]*schemaNode{}},
		}},
	}},
	"resources": {children: map[string]*schemaNode{
		"shared": {children: map[string]*schemaNode{}},
	}},
	"ports": {children: map[string]*schemaNode{
		"port": {args: 1, valueHint: ValueHintPortID, children: map[string]*schemaNode{}},
	}},
	"shared-resources": {children: map[string]*schemaNode{
		"counter": {args: 1, valueHint: ValueHintResourceID, children: map[string]*schemaNode{}},
		"meter":   {args: 1, valueHint: ValueHintResourceID, children: map[string]*schemaNode{}},
		"rss":     {args: 1, valueHint: ValueHintResourceID, children: map[string]*schemaNode{}},
		"mirror":  {args: 1, valueHint: ValueHintResourceID, children: map[string]*schemaNode{}},
	}},
	"pipes": {children: map[string]*schemaNode{
		"pipe": {args: 1, valueHint: ValueHintPipeName, children: map[string]*schemaNode{
			"entry": {args: 1, valueHint: ValueHintEntryName, children: map[string]*schemaNode{}},
		}},
	}},
	"connection-tracking": {children: map[string]*schemaNode{}},
	"api":                 {children: map[string]*schemaNode{}},
}}

// walk consumes the container keywords of path starting at schema. It
// returns the index of the first word that is not a container keyword.
func walk(path []string, schema *schemaNode, visit func(keys []string, end int) bool) int {
	i := 0
	for i < len(path) && schema != nil {
		s, ok := schema.children[path[i]]
		if !ok || i+1+s.args > len(path) {
			return i
		}
		if !visit(path[i:i+1+s.args], i+1+s.args) {
			return i
		}
		i += 1 + s.args
		schema = s
	}
	return i
}

// SetPath inserts the statement given as flat words, e.g.
// ["pipes", "pipe", "root", "port", "0"]. Containers are created as
// needed. A leaf replaces an existing leaf that differs only in its
// last word.
func (t *ConfigTree) SetPath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	current := &t.Children
	identity := false
	n := walk(path, setSchema, func(keys []string, end int) bool {
		if end == len(path) {
			identity = true
			return false
		}
		for _, c := range *current {
			if !c.IsLeaf && slices.Equal(c.Keys, keys) {
				current = &c.Children
				return true
			}
		}
		c := &Node{Keys: slices.Clone(keys)}
		*current = slices.DeleteFunc(*current, func(o *Node) bool {
			return o.IsLeaf && slices.Equal(o.Keys, keys)
		})
		*current = append(*current, c)
		current = &c.Children
		return true
	})
	leaf := &Node{Keys: slices.Clone(path[n:]), IsLeaf: true}
	if identity {
		// "port 1" names an instance; it never replaces "port 0".
		for _, c := range *current {
			if slices.Equal(c.Keys, leaf.Keys) {
				return nil
			}
		}
		*current = append(*current, leaf)
		return nil
	}
	for i, c := range *current {
		if c.IsLeaf && sameSetting(c.Keys, leaf.Keys) {
			(*current)[i] = leaf
			return nil
		}
	}
	*current = append(*current, leaf)
	return nil
}

func sameSetting(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 1 {
		return a[0] == b[0]
	}
	return slices.Equal(a[:len(a)-1], b[:len(b)-1])
}

// DeletePath removes the node at path. Leaves match by key prefix, so
// "delete system queues" removes "queues 4".
func (t *ConfigTree) DeletePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	current := &t.Children
	var missing []string
	n := walk(path, setSchema, func(keys []string, end int) bool {
		for _, c := range *current {
			if !c.IsLeaf && slices.Equal(c.Keys, keys) {
				if end == len(path) {
					return false
				}
				current = &c.Children
				return true
			}
		}
		missing = keys
		return false
	})
	if missing != nil && len(missing) < len(path)-n {
		return fmt.Errorf("path not found: container %q does not exist", strings.Join(missing, " "))
	}
	target := path[n:]
	for i, c := range *current {
		if hasPrefix(c.Keys, target) {
			*current = slices.Delete(*current, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("path not found: no node matching %q", strings.Join(target, " "))
}

func hasPrefix(keys, prefix []string) bool {
	return len(prefix) <= len(keys) && slices.Equal(keys[:len(prefix)], prefix)
}

// CompleteSetPath returns the keywords that may follow tokens.
func CompleteSetPath(tokens []string) []string {
	return CompleteSetPathWithValues(tokens, nil)
}

// CompleteSetPathWithValues also asks provider for dynamic names such as
// pipe names or port ids.
func CompleteSetPathWithValues(tokens []string, provider ValueProvider) []string {
	schema := setSchema
	i := 0
	for i < len(tokens) {
		s, ok := schema.children[tokens[i]]
		if !ok {
			return nil
		}
		i += 1 + s.args
		if i > len(tokens) {
			if provider != nil && s.valueHint != ValueHintNone {
				return provider(s.valueHint)
			}
			return nil
		}
		schema = s
	}
	out := make([]string, 0, len(schema.children))
	for name := range schema.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Format renders the tree as hierarchical configuration text that
// parses back to the same tree.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, quoteKeys(n.Keys))
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", prefix, quoteKeys(n.Keys))
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", prefix)
	}
}

// FormatSet renders the tree as flat "set" commands.
func (t *ConfigTree) FormatSet() string {
	var b strings.Builder
	formatSetNodes(&b, t.Children, nil)
	return b.String()
}

func formatSetNodes(b *strings.Builder, nodes []*Node, prefix []string) {
	for _, n := range nodes {
		path := append(slices.Clip(prefix), n.Keys...)
		if n.IsLeaf || len(n.Children) == 0 {
			fmt.Fprintf(b, "set %s\n", quoteKeys(path))
			continue
		}
		formatSetNodes(b, n.Children, path)
	}
}

func quoteKeys(keys []string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = quoteWord(k)
	}
	return strings.Join(out, " ")
}

func quoteWord(s string) string {
	if s == "" {
		return `""`
	}
	for i := range len(s) {
		if !isIdentChar(s[i]) {
			return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s) + `"`
		}
	}
	return s
}
