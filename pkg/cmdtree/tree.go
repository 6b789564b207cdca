// Package cmdtree defines the command trees of flowctl.
//
// The same trees drive tab completion, '?' help and the help command, so
// a new command only needs an entry here to show up everywhere.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/psaab/flowpipe/pkg/config"
)

// Node is a keyword with its description, fixed children and optional
// dynamic values taken from the configuration.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(cfg *config.Config) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// PortIDs lists the configured port ids.
func PortIDs(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		out = append(out, strconv.Itoa(int(p.ID)))
	}
	return out
}

// PipeNames lists the configured pipe names.
func PipeNames(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Pipes))
	for _, p := range cfg.Pipes {
		out = append(out, p.Name)
	}
	return out
}

var opNames = map[string]*Node{
	"add":  {Desc: "Entry additions"},
	"del":  {Desc: "Entry removals"},
	"upd":  {Desc: "Entry updates"},
	"aged": {Desc: "Aged entries"},
}

var statusNames = map[string]*Node{
	"success": {Desc: "Successful operations"},
	"error":   {Desc: "Failed operations"},
}

func eventFilterTree() map[string]*Node {
	return map[string]*Node{
		"pipe":   {Desc: "Only events of a pipe", DynamicFn: PipeNames},
		"op":     {Desc: "Only events of an operation", Children: opNames},
		"status": {Desc: "Only events with a status", Children: statusNames},
	}
}

// OperationalTree defines the commands of operational mode.
var OperationalTree = map[string]*Node{
	"configure": {Desc: "Edit the configuration file"},
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":    {Desc: "Show daemon status"},
		"ports":     {Desc: "Show started ports"},
		"pipes":     {Desc: "Show pipes of a port", DynamicFn: PortIDs},
		"entries":   {Desc: "Show entries of a pipe", DynamicFn: PipeNames},
		"dump":      {Desc: "Dump the driver table of a pipe", DynamicFn: PipeNames},
		"resources": {Desc: "Show shared resources"},
		"sessions": {Desc: "Show connection tracking sessions of a port", DynamicFn: PortIDs, Children: map[string]*Node{
			"tcp": {Desc: "TCP sessions only"},
			"udp": {Desc: "UDP sessions only"},
		}},
		"events": {Desc: "Show recent entry completions", Children: eventFilterTree()},
		"configuration": {Desc: "Show the configuration file", Children: map[string]*Node{
			"set": {Desc: "Show as set commands"},
		}},
	}},
	"monitor": {Desc: "Monitor live information", Children: map[string]*Node{
		"events": {Desc: "Stream entry completions until interrupted", Children: eventFilterTree()},
	}},
	"clear": {Desc: "Clear information", Children: map[string]*Node{
		"entry": {Desc: "Remove an entry by handle"},
	}},
	"help": {Desc: "Show this help"},
	"quit": {Desc: "Exit flowctl"},
	"exit": {Desc: "Exit flowctl"},
}

// ConfigTopLevel defines the commands of configuration mode.
var ConfigTopLevel = map[string]*Node{
	"set":    {Desc: "Set a configuration value"},
	"delete": {Desc: "Delete a configuration element"},
	"show": {Desc: "Show candidate configuration", Children: map[string]*Node{
		"set":     {Desc: "Show as set commands"},
		"compare": {Desc: "Show changes against the committed configuration"},
		"history": {Desc: "Show rollback versions"},
	}},
	"commit": {Desc: "Validate and write the candidate configuration", Children: map[string]*Node{
		"check": {Desc: "Validate without writing"},
	}},
	"rollback": {Desc: "Load a previous configuration (0 discards changes)"},
	"run":      {Desc: "Run operational command"},
	"exit":     {Desc: "Exit configuration mode"},
	"quit":     {Desc: "Exit configuration mode"},
}

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := KeysOf(tree)
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// CompleteFromTree walks the tree to find completion candidates for the
// given words and partial. cfg may be nil, in which case dynamic values
// are not offered.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, cfg *config.Config) []string {
	cands := CompleteFromTreeWithDesc(tree, words, partial, cfg)
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Name
	}
	sort.Strings(out)
	return out
}

// CompleteFromTreeWithDesc walks the tree returning name and description
// pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, cfg *config.Config) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// A word that is not a keyword is a dynamic value; stay at
			// the same level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil && cfg != nil {
				current = nil
				continue
			}
			return nil
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil && cfg != nil {
		for _, name := range currentNode.DynamicFn(cfg) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
			}
		}
	}
	return candidates
}

// LookupDesc finds the description of name after the command words.
func LookupDesc(words []string, name string, configMode bool) string {
	tree := OperationalTree
	if configMode {
		if len(words) > 0 && words[0] == "run" {
			words = words[1:]
		} else {
			tree = ConfigTopLevel
		}
	}
	current := tree
	var currentNode *Node
	for _, w := range words {
		node, ok := current[w]
		if !ok {
			if currentNode != nil && currentNode.DynamicFn != nil {
				continue
			}
			return ""
		}
		currentNode = node
		if node.Children == nil {
			return ""
		}
		current = node.Children
	}
	if node, ok := current[name]; ok {
		return node.Desc
	}
	return ""
}

// WriteHelp prints aligned completion candidates to w. The output is
// written in one call so readline refreshes the prompt once.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
