// Package config parses the hierarchical flowpipe configuration and
// compiles it into typed settings for the daemon.
package config

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType is the kind of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

var tokenNames = [...]string{"'{'", "'}'", "';'", "identifier", "string", "EOF", "error"}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "unknown"
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenString {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text. Brackets are transparent, so
// "[ a b ]" lexes as the words a and b.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Next returns the next token, advancing the position.
func (l *Lexer) Next() Token {
	for {
		l.skipSpace()
		if l.pos >= len(l.input) {
			return Token{Type: TokenEOF, Line: l.line, Column: l.column}
		}
		ch := l.input[l.pos]
		line, col := l.line, l.column
		switch {
		case ch == '[' || ch == ']':
			l.advance()
			continue
		case ch == '{' || ch == '}' || ch == ';':
			l.advance()
			typ := map[byte]TokenType{'{': TokenLBrace, '}': TokenRBrace, ';': TokenSemicolon}[ch]
			return Token{Type: typ, Value: string(ch), Line: line, Column: col}
		case ch == '"':
			return l.readString(line, col)
		case isIdentChar(ch):
			start := l.pos
			for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
				l.advance()
			}
			return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: line, Column: col}
		}
		l.advance()
		return Token{Type: TokenError, Value: fmt.Sprintf("unexpected character %q", ch), Line: line, Column: col}
	}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	saved := *l
	tok := l.Next()
	*l = saved
	return tok
}

func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	if l.input[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}

func (l *Lexer) skipLine() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.advance()
	}
}

// skipSpace skips whitespace and #, // and /* */ comments.
func (l *Lexer) skipSpace() {
	for l.pos < len(l.input) {
		rest := l.input[l.pos:]
		switch {
		case rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r':
			l.advance()
		case rest[0] == '#' || strings.HasPrefix(rest, "//"):
			l.skipLine()
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			n := len(rest)
			if end >= 0 {
				n = end + 4
			}
			for range n {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *Lexer) readString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.advance()
		switch ch {
		case '"':
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		case '\\':
			if l.pos >= len(l.input) {
				continue
			}
			esc := l.input[l.pos]
			l.advance()
			switch esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

// isIdentChar covers names, numbers, addresses with prefixes and ports,
// field paths such as outer.ip4.dst, and MACs.
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':' || ch == '*' || ch == '+'
}

// IsIdentRune is the rune version for tab completion.
func IsIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		(r < 0x80 && isIdentChar(byte(r)))
}
