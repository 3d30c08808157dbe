package smartql

import (
	"errors"
	"strings"
	"unicode"
)

// ErrUnterminatedQuote is returned for a query with an unclosed '"'.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenTerm
)

// Token is one whitespace-separated query term with quotes removed.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Lexer splits a query line into terms. Double quotes group text
// containing spaces anywhere inside a term: node:"dgx 01", "my task".
type Lexer struct {
	input string
	pos   int
	err   error
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Err reports the first lexing error.
func (l *Lexer) Err() error {
	return l.err
}

// NextToken returns the next term, or TokenEOF at the end of input or
// after an error.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()
	if l.err != nil || l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	start := l.pos
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if isSpace(ch) {
			break
		}
		if ch != '"' {
			b.WriteByte(ch)
			l.pos++
			continue
		}
		if !l.readQuoted(&b) {
			l.err = ErrUnterminatedQuote
			return Token{Type: TokenEOF, Pos: start}
		}
	}
	return Token{Type: TokenTerm, Value: b.String(), Pos: start}
}

// Tokens drains the lexer.
func (l *Lexer) Tokens() ([]Token, error) {
	var out []Token
	for {
		tok := l.NextToken()
		if tok.Type == TokenEOF {
			return out, l.err
		}
		out = append(out, tok)
	}
}

func (l *Lexer) readQuoted(b *strings.Builder) bool {
	l.pos++ // opening quote
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '\\' && l.pos+1 < len(l.input):
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
		case ch == '"':
			l.pos++
			return true
		default:
			b.WriteByte(ch)
			l.pos++
		}
	}
	return false
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
}

func isSpace(ch byte) bool {
	return unicode.IsSpace(rune(ch))
}
