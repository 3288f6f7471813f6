package slots

import (
	"fmt"

	"github.com/me/tdl/pkg/model"
)

// TokenKind classifies a slot-selection token.
type TokenKind int

const (
	TokNumber TokenKind = iota // slot number
	TokSep                     // '-' or '~'
	TokRepeat                  // '*'
	TokBar                     // '|'
)

func (k TokenKind) String() string {
	switch k {
	case TokNumber:
		return "number"
	case TokSep:
		return "separator"
	case TokRepeat:
		return "repeat"
	case TokBar:
		return "bar"
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// Token is one lexical element of a slot-selection string.
type Token struct {
	Kind  TokenKind
	Value int // slot number for TokNumber
	Pos   int // byte offset in the source string
}

// Tokenize splits a slot-selection string into a flat token stream.
// Whitespace and newlines are ignored.
func Tokenize(s string) ([]Token, error) {
	var toks []Token
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			start := i
			n := 0
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				n = n*10 + int(s[i]-'0')
				if n > 1<<20 {
					return nil, &model.ParseError{Slots: s, Pos: start, Message: "slot number too large"}
				}
				i++
			}
			i--
			toks = append(toks, Token{Kind: TokNumber, Value: n, Pos: start})
		case c == '-' || c == '~':
			toks = append(toks, Token{Kind: TokSep, Pos: i})
		case c == '*':
			toks = append(toks, Token{Kind: TokRepeat, Pos: i})
		case c == '|':
			toks = append(toks, Token{Kind: TokBar, Pos: i})
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		default:
			return nil, &model.ParseError{Slots: s, Pos: i, Message: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return toks, nil
}
