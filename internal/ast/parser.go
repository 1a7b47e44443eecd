// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package ast

import (
	"fmt"
	"strconv"

	"github.com/mathexpr/mathexpr/internal/lexer"
)

// ParseError reports a malformed expression: a missing paren, a
// dangling operator, a malformed literal, and so on.
type ParseError struct {
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Message)
}

type Parser struct {
	toks []lexer.Token
	pos  int
}

// Parse tokenizes and parses source into an expression tree. Returns
// a *lexer.LexError or *ParseError on malformed input.
func Parse(source string) (Expr, error) {
	toks, err := lexer.Tokenize(source)
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind != lexer.TK_EOF {
		return nil, &ParseError{Offset: p.cur().Offset, Message: fmt.Sprintf("unexpected trailing token %q", p.cur().Text)}
	}
	return expr, nil
}

func (p *Parser) cur() lexer.Token {
	return p.toks[p.pos]
}

func (p *Parser) advance() lexer.Token {
	tok := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return tok
}

func (p *Parser) expect(kind lexer.TokenKind) (lexer.Token, error) {
	if p.cur().Kind != kind {
		return lexer.Token{}, &ParseError{
			Offset:  p.cur().Offset,
			Message: fmt.Sprintf("expected %v, got %v %q", kind, p.cur().Kind, p.cur().Text),
		}
	}
	return p.advance(), nil
}

// parseExpression implements the lowest precedence level: + and -,
// left-associative, via precedence climbing over parseTerm.
func (p *Parser) parseExpression() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == lexer.TK_PLUS || p.cur().Kind == lexer.TK_MINUS {
		op := Add
		if p.cur().Kind == lexer.TK_MINUS {
			op = Sub
		}
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parseTerm implements * and /, left-associative, binding tighter
// than + and -.
func (p *Parser) parseTerm() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == lexer.TK_TIMES || p.cur().Kind == lexer.TK_DIV {
		op := Mul
		if p.cur().Kind == lexer.TK_DIV {
			op = Div
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parseUnary handles prefix minus, which binds tighter than * and /
// but must itself recurse to allow chained negation ("--x") and to
// bind to the full primary/call/paren expression that follows it.
func (p *Parser) parseUnary() (Expr, error) {
	if p.cur().Kind == lexer.TK_MINUS {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.cur()
	switch tok.Kind {
	case lexer.TK_NUMBER:
		p.advance()
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("malformed numeric literal %q", tok.Text)}
		}
		return &Literal{Value: v, Text: tok.Text}, nil

	case lexer.TK_IDENT:
		p.advance()
		if p.cur().Kind == lexer.TK_LPAREN {
			return p.parseCall(tok.Text)
		}
		return &Variable{Name: tok.Text}, nil

	case lexer.TK_LPAREN:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TK_RPAREN); err != nil {
			return nil, err
		}
		return inner, nil

	default:
		return nil, &ParseError{Offset: tok.Offset, Message: fmt.Sprintf("unexpected token %v %q", tok.Kind, tok.Text)}
	}
}

func (p *Parser) parseCall(name string) (Expr, error) {
	if _, err := p.expect(lexer.TK_LPAREN); err != nil {
		return nil, err
	}
	var args []Expr
	if p.cur().Kind != lexer.TK_RPAREN {
		for {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur().Kind != lexer.TK_COMMA {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(lexer.TK_RPAREN); err != nil {
		return nil, err
	}
	return &Call{Name: name, Args: args}, nil
}
