package config

import "fmt"

// ParseError is a syntax error with its position.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parser builds a ConfigTree from configuration text.
type Parser struct {
	lex  *Lexer
	errs []error
}

func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse parses the whole input. Errors do not stop parsing; the parser
// skips to the next statement and collects them all.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	tree.Children = p.parseBlock(false)
	return tree, p.errs
}

// Parse is a shorthand for NewParser(input).Parse that folds the errors
// into one.
func Parse(input string) (*ConfigTree, error) {
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		if len(errs) == 1 {
			return nil, errs[0]
		}
		return nil, fmt.Errorf("%w (and %d more errors)", errs[0], len(errs)-1)
	}
	return tree, nil
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf(format, args...)})
}

func (p *Parser) parseBlock(nested bool) []*Node {
	var nodes []*Node
	for {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenEOF:
			if nested {
				p.errorf(tok, "unexpected end of input, missing '}'")
			}
			return nodes
		case TokenRBrace:
			if nested {
				p.lex.Next()
				return nodes
			}
			p.lex.Next()
			p.errorf(tok, "unexpected '}'")
		case TokenSemicolon:
			p.lex.Next()
		case TokenError:
			p.lex.Next()
			p.errorf(tok, "%s", tok.Value)
		default:
			if n := p.parseStatement(); n != nil {
				nodes = append(nodes, n)
			}
		}
	}
}

func (p *Parser) parseStatement() *Node {
	first := p.lex.Peek()
	n := &Node{Line: first.Line, Column: first.Column}
	for {
		tok := p.lex.Peek()
		if tok.Type == TokenRBrace {
			// Left for the enclosing block.
			p.errorf(tok, "missing ';' after %q", n.KeyPath())
			return nil
		}
		p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenSemicolon:
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.errorf(tok, "block without a name")
			}
			n.Children = p.parseBlock(true)
			if n.Children == nil {
				n.Children = []*Node{}
			}
			return n
		case TokenEOF:
			p.errorf(tok, "unexpected end of input after %q, missing ';'", n.KeyPath())
			return nil
		case TokenError:
			p.errorf(tok, "%s", tok.Value)
			p.skipStatement()
			return nil
		}
	}
}

// skipStatement discards tokens up to the end of the current statement.
func (p *Parser) skipStatement() {
	for {
		switch p.lex.Peek().Type {
		case TokenEOF, TokenRBrace:
			return
		case TokenSemicolon:
			p.lex.Next()
			return
		}
		p.lex.Next()
	}
}
