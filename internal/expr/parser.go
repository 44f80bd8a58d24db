package expr

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrSyntax is returned for expressions outside the grammar.
	ErrSyntax = errors.New("expression syntax error")

	// ErrUnknownIdentifier is returned when a path's root is not in the
	// environment.
	ErrUnknownIdentifier = errors.New("unknown identifier")
)

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrSyntax, fmt.Sprintf(format, args...), t.pos)
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicNode{or: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("!") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parseCompare()
}

var comparisons = map[string]bool{
	"==": true, "!=": true, "===": true, "!==": true,
	"<": true, "<=": true, ">": true, ">=": true, "contains": true,
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp || !comparisons[t.text] {
		return left, nil
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: t.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literal{v: t.num}, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, p.errorf(r, "expected ')'")
		}
		return x, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "undefined":
			return literal{v: nil}, nil
		}
		return p.parsePath(t.text)
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

func (p *parser) parsePath(root string) (node, error) {
	path := &pathNode{root: root}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			switch t.kind {
			case tokIdent, tokNumber:
				path.segments = append(path.segments, t.text)
			case tokOp:
				if t.text != "contains" {
					return nil, p.errorf(t, "expected field name after '.'")
				}
				path.segments = append(path.segments, t.text)
			default:
				return nil, p.errorf(t, "expected field name after '.'")
			}
		case tokLBracket:
			p.next()
			t := p.next()
			switch t.kind {
			case tokString:
				path.segments = append(path.segments, t.text)
			case tokNumber:
				path.segments = append(path.segments, strconv.FormatFloat(t.num, 'f', -1, 64))
			default:
				return nil, p.errorf(t, "expected index or quoted key")
			}
			if r := p.next(); r.kind != tokRBracket {
				return nil, p.errorf(r, "expected ']'")
			}
		default:
			return path, nil
		}
	}
}
