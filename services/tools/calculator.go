// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calculator evaluates arithmetic expressions with a restricted
// hand-rolled parser: no identifiers, no function calls, nothing that
// could reach beyond the four walls of arithmetic.
//
// Supported: + - * / % (mod), // (floor division), ** (power), unary
// +/-, parentheses, decimal numbers with '.' or ','.
type Calculator struct{}

var _ Tool = (*Calculator)(nil)

// NewCalculator creates the tool.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string { return "calculator" }

func (c *Calculator) Description() string {
	return "Aritmetik ifadeleri hesaplar (+ - * / % // ** ve parantez)."
}

// Execute evaluates params["expression"].
func (c *Calculator) Execute(_ context.Context, params map[string]any) (*Result, error) {
	expr, _ := params["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("calculator: missing expression parameter")
	}
	value, err := Evaluate(expr)
	if err != nil {
		return nil, fmt.Errorf("calculator: %w", err)
	}
	return &Result{Output: formatNumber(value)}, nil
}

// formatNumber renders integers without a decimal point.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Evaluate parses and evaluates one expression.
func Evaluate(input string) (float64, error) {
	p := &exprParser{input: []rune(input)}
	v, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("result out of range")
	}
	return v, nil
}

// exprParser is a recursive-descent parser over the grammar
//
//	addsub  = muldiv { ("+" | "-") muldiv }
//	muldiv  = unary { ("*" | "/" | "//" | "%") unary }
//	unary   = ("+" | "-") unary | power
//	power   = primary [ "**" unary ]        (right-associative)
//	primary = number | "(" addsub ")"
type exprParser struct {
	input []rune
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			// "**" binds tighter and is handled in parsePower.
			if p.pos+1 < len(p.input) && p.input[p.pos+1] == '*' {
				return left, nil
			}
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			floor := p.pos+1 < len(p.input) && p.input[p.pos+1] == '/'
			if floor {
				p.pos += 2
			} else {
				p.pos++
			}
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			if floor {
				left = math.Floor(left / right)
			} else {
				left /= right
			}
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	switch p.peek() {
	case '+':
		p.pos++
		return p.parseUnary()
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '*' && p.pos+1 < len(p.input) && p.input[p.pos+1] == '*' {
		p.pos += 2
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parsePrimary() (float64, error) {
	r := p.peek()
	switch {
	case r == '(':
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(r) || r == '.':
		return p.parseNumber()
	case r == 0:
		return 0, errors.New("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q", r)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		r := p.input[p.pos]
		if unicode.IsDigit(r) || r == '.' || r == ',' {
			p.pos++
			continue
		}
		break
	}
	// Accept Turkish decimal commas.
	text := strings.ReplaceAll(string(p.input[start:p.pos]), ",", ".")
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	return v, nil
}
