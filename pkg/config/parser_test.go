package config

import (
	"reflect"
	"slices"
	"strings"
	"testing"
)

func TestLexer(t *testing.T) {
	input := `pipe "a b" { match [ outer.ip4.dst 10.0.0.0/8 ]; } # trailing
/* block
comment */ api { http 127.0.0.1:8080; }`
	var got []string
	lex := NewLexer(input)
	for {
		tok := lex.Next()
		if tok.Type == TokenEOF {
			break
		}
		got = append(got, tok.String())
	}
	want := []string{
		`identifier("pipe")`, `string("a b")`, "'{'",
		`identifier("match")`, `identifier("outer.ip4.dst")`, `identifier("10.0.0.0/8")`, "';'",
		"'}'",
		`identifier("api")`, "'{'", `identifier("http")`, `identifier("127.0.0.1:8080")`, "';'", "'}'",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("tokens:\n got %v\nwant %v", got, want)
	}
}

func TestLexerPositions(t *testing.T) {
	lex := NewLexer("system {\n  queues 4;\n}")
	lex.Next()
	lex.Next()
	tok := lex.Next()
	if tok.Value != "queues" || tok.Line != 2 || tok.Column != 3 {
		t.Errorf("token = %+v", tok)
	}
	if p := lex.Peek(); p.Value != "4" {
		t.Errorf("peek = %+v", p)
	}
	if n := lex.Next(); n.Value != "4" {
		t.Errorf("next after peek = %+v", n)
	}
}

func TestParseHierarchy(t *testing.T) {
	tree, errs := NewParser(`
pipes {
    pipe root {
        port 0;
        root;
        match [ outer.ip4.dst outer.l4.dst_port ];
        entry web { match-value outer.l4.dst_port 80; }
    }
}`).Parse()
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	pipes := tree.FindChild("pipes")
	if pipes == nil || pipes.IsLeaf {
		t.Fatal("pipes block missing")
	}
	pipe := pipes.FindChild("pipe")
	if pipe.Arg(0) != "root" || len(pipe.Children) != 4 {
		t.Fatalf("pipe = %+v", pipe)
	}
	match := pipe.FindChild("match")
	if !match.IsLeaf || !slices.Equal(match.Args(), []string{"outer.ip4.dst", "outer.l4.dst_port"}) {
		t.Errorf("match = %v", match.Keys)
	}
	if r := pipe.FindChild("root"); r == nil || !r.IsLeaf || r.Arg(0) != "" {
		t.Errorf("root = %+v", r)
	}
	entry := pipe.FindChild("entry")
	if entry.Arg(0) != "web" || entry.FindChild("match-value").Arg(1) != "80" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing semicolon", "system { queues 4 }", "missing ';'"},
		{"missing brace", "system { queues 4;", "missing '}'"},
		{"stray brace", "}", "unexpected '}'"},
		{"bad char", "system { queues @; }", "unexpected character"},
		{"unterminated", `system { mode-args "vnf; }`, "unterminated string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := NewParser(tt.input).Parse()
			if len(errs) == 0 {
				t.Fatal("expected an error")
			}
			if !strings.Contains(errs[0].Error(), tt.want) {
				t.Errorf("error = %v, want %q", errs[0], tt.want)
			}
		})
	}
}

func TestParseRecovers(t *testing.T) {
	tree, errs := NewParser("system { queues @; queue-depth 64; }").Parse()
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	if qd := tree.FindChild("system").FindChild("queue-depth"); qd == nil || qd.Arg(0) != "64" {
		t.Error("statement after the error was lost")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	tree, err := Parse(sampleConfig)
	if err != nil {
		t.Fatal(err)
	}
	text := tree.Format()
	again, err := Parse(text)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, text)
	}
	if !reflect.DeepEqual(stripPos(tree.Children), stripPos(again.Children)) {
		t.Errorf("round trip changed the tree:\n%s", text)
	}
	if !strings.Contains(text, `mode-args "vnf,hws";`) {
		t.Errorf("value with a comma not quoted:\n%s", text)
	}
}

func stripPos(nodes []*Node) []*Node {
	out := cloneNodes(nodes)
	var walk func([]*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			n.Line, n.Column = 0, 0
			walk(n.Children)
		}
	}
	walk(out)
	return out
}

func TestSetPath(t *testing.T) {
	tree := &ConfigTree{}
	paths := [][]string{
		{"system", "queues", "4"},
		{"pipes", "pipe", "root", "port", "0"},
		{"pipes", "pipe", "root", "entry", "web", "match-value", "outer.l4.dst_port", "80"},
		{"pipes", "pipe", "root", "entry", "web", "forward", "port", "1"},
		{"system", "queues", "8"},
		{"connection-tracking", "sessions", "ipv4", "100"},
		{"connection-tracking", "sessions", "ipv6", "10"},
	}
	for _, p := range paths {
		if err := tree.SetPath(p); err != nil {
			t.Fatalf("SetPath(%v): %v", p, err)
		}
	}
	want := `set system queues 8
set pipes pipe root port 0
set pipes pipe root entry web match-value outer.l4.dst_port 80
set pipes pipe root entry web forward port 1
set connection-tracking sessions ipv4 100
set connection-tracking sessions ipv6 10
`
	if got := tree.FormatSet(); got != want {
		t.Errorf("FormatSet:\n%s\nwant:\n%s", got, want)
	}
	if err := tree.SetPath(nil); err == nil {
		t.Error("empty path accepted")
	}
}

func TestSetPathInstances(t *testing.T) {
	tree := &ConfigTree{}
	for _, p := range [][]string{
		{"ports", "port", "0"},
		{"ports", "port", "1"},
		{"ports", "port", "1"},
		{"ports", "port", "0", "pair", "1"},
	} {
		if err := tree.SetPath(p); err != nil {
			t.Fatalf("SetPath(%v): %v", p, err)
		}
	}
	want := `set ports port 1
set ports port 0 pair 1
`
	if got := tree.FormatSet(); got != want {
		t.Errorf("FormatSet:\n%s\nwant:\n%s", got, want)
	}
}

func TestDeletePath(t *testing.T) {
	tree, err := Parse(`system { queues 4; queue-depth 64; }
pipes { pipe a { port 0; } pipe b { port 1; } }`)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.DeletePath([]string{"system", "queues"}); err != nil {
		t.Fatal(err)
	}
	if err := tree.DeletePath([]string{"pipes", "pipe", "a"}); err != nil {
		t.Fatal(err)
	}
	want := "set system queue-depth 64\nset pipes pipe b port 1\n"
	if got := tree.FormatSet(); got != want {
		t.Errorf("FormatSet:\n%s\nwant:\n%s", got, want)
	}
	if err := tree.DeletePath([]string{"pipes", "pipe", "zzz", "port"}); err == nil ||
		!strings.Contains(err.Error(), "does not exist") {
		t.Errorf("missing container: %v", err)
	}
	if err := tree.DeletePath([]string{"system", "nope"}); err == nil {
		t.Error("missing leaf deleted")
	}
}

func TestCompleteSetPath(t *testing.T) {
	top := CompleteSetPath(nil)
	want := []string{"api", "connection-tracking", "pipes", "ports", "resources", "shared-resources", "system"}
	if !slices.Equal(top, want) {
		t.Errorf("top = %v", top)
	}
	if got := CompleteSetPath([]string{"pipes", "pipe", "root"}); !slices.Equal(got, []string{"entry"}) {
		t.Errorf("pipe children = %v", got)
	}
	if got := CompleteSetPath([]string{"pipes", "pipe"}); got != nil {
		t.Errorf("name position = %v", got)
	}
	provider := func(h ValueHint) []string {
		if h == ValueHintPipeName {
			return []string{"root", "fwd"}
		}
		return nil
	}
	if got := CompleteSetPathWithValues([]string{"pipes", "pipe"}, provider); !slices.Equal(got, []string{"root", "fwd"}) {
		t.Errorf("provider = %v", got)
	}
	if got := CompleteSetPath([]string{"bogus"}); got != nil {
		t.Errorf("unknown keyword = %v", got)
	}
}
