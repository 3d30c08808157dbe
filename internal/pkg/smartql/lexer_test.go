package smartql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"status:FAILED", []string{"status:FAILED"}},
		{"  a   b ", []string{"a", "b"}},
		{`node:"dgx 01" x`, []string{"node:dgx 01", "x"}},
		{`"my task"`, []string{"my task"}},
		{`name:"a \"q\" b"`, []string{`name:a "q" b`}},
		{`started:">=last 2h"`, []string{"started:>=last 2h"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tokens, err := NewLexer(tt.input).Tokens()
			require.NoError(t, err)
			var got []string
			for _, tok := range tokens {
				assert.Equal(t, TokenTerm, tok.Type)
				got = append(got, tok.Value)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLexerPositions(t *testing.T) {
	l := NewLexer(`ab  "c d"`)
	assert.Equal(t, Token{Type: TokenTerm, Value: "ab", Pos: 0}, l.NextToken())
	assert.Equal(t, Token{Type: TokenTerm, Value: "c d", Pos: 4}, l.NextToken())
	assert.Equal(t, TokenEOF, l.NextToken().Type)
}

func TestLexerUnterminatedQuote(t *testing.T) {
	l := NewLexer(`ok "broken`)
	assert.Equal(t, "ok", l.NextToken().Value)
	assert.Equal(t, TokenEOF, l.NextToken().Type)
	assert.ErrorIs(t, l.Err(), ErrUnterminatedQuote)
}
