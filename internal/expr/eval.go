package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/conductor/internal/payload"
)

type node interface {
	eval(env map[string]any) (any, error)
}

type literal struct{ v any }

func (l literal) eval(map[string]any) (any, error) { return l.v, nil }

type pathNode struct {
	root     string
	segments []string
}

func (n *pathNode) eval(env map[string]any) (any, error) {
	v, ok := env[n.root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.root)
	}
	for _, seg := range n.segments {
		v = field(v, seg)
		if v == nil {
			return nil, nil
		}
	}
	return v, nil
}

// field looks seg up in v. Missing keys and out-of-range indexes yield nil.
func field(v any, seg string) any {
	switch t := v.(type) {
	case map[string]any:
		if x, ok := t[seg]; ok {
			return x
		}
		if seg == "length" {
			return float64(len(t))
		}
		return nil
	case []any:
		if seg == "length" {
			return float64(len(t))
		}
		if i, err := strconv.Atoi(seg); err == nil && i >= 0 && i < len(t) {
			return t[i]
		}
		return nil
	case string:
		if seg == "length" {
			return float64(len(t))
		}
		return nil
	case nil:
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		if x := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key())); x.IsValid() {
			return x.Interface()
		}
		if seg == "length" {
			return float64(rv.Len())
		}
	case reflect.Slice, reflect.Array:
		if seg == "length" {
			return float64(rv.Len())
		}
		if i, err := strconv.Atoi(seg); err == nil && i >= 0 && i < rv.Len() {
			return rv.Index(i).Interface()
		}
	}
	return nil
}

type notNode struct{ x node }

func (n *notNode) eval(env map[string]any) (any, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type logicNode struct {
	or          bool
	left, right node
}

func (n *logicNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if Truthy(l) == n.or {
		return n.or, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "===":
		return strictEqual(l, r), nil
	case "!==":
		return !strictEqual(l, r), nil
	case "contains":
		return contains(l, r), nil
	default:
		return order(n.op, l, r), nil
	}
}

// Truthy follows the usual scripting rules: null, false, 0, NaN and the empty
// string are false; everything else, including empty lists, is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := payload.ToFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := numeric(a)
	bf, bNum := numeric(b)
	if aNum && bNum {
		return af == bf
	}
	return strictEqual(a, b)
}

// numeric converts numbers and numeric strings to float64.
func numeric(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return payload.ToFloat(v)
}

func strictEqual(a, b any) bool {
	af, aNum := payload.ToFloat(a)
	bf, bNum := payload.ToFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func order(op string, a, b any) bool {
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return applyOrder(op, strings.Compare(as, bs))
	}
	return orderNumeric(op, a, b)
}

func orderNumeric(op string, a, b any) bool {
	af, ok := numeric(a)
	if !ok {
		return false
	}
	bf, ok := numeric(b)
	if !ok {
		return false
	}
	switch {
	case af < bf:
		return applyOrder(op, -1)
	case af > bf:
		return applyOrder(op, 1)
	default:
		return applyOrder(op, 0)
	}
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, x := range h {
			if looseEqual(x, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[s]
		return found
	}
	return false
}

// Expression is a compiled expression, safe for concurrent use.
type Expression struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return &Expression{src: src, root: root}, nil
}

func (e *Expression) String() string { return e.src }

// Eval returns the raw value of the expression.
func (e *Expression) Eval(env map[string]any) (any, error) {
	return e.root.eval(env)
}

// Bool evaluates the expression and applies Truthy to the result.
func (e *Expression) Bool(env map[string]any) (bool, error) {
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

const cacheLimit = 512

var cache = struct {
	sync.Mutex
	m map[string]*Expression
}{m: make(map[string]*Expression)}

// Evaluate compiles src (memoized) and evaluates it as a boolean.
func Evaluate(src string, env map[string]any) (bool, error) {
	cache.Lock()
	e, ok := cache.m[src]
	cache.Unlock()
	if !ok {
		var err error
		if e, err = Compile(src); err != nil {
			return false, err
		}
		cache.Lock()
		if len(cache.m) >= cacheLimit {
			cache.m = make(map[string]*Expression)
		}
		cache.m[src] = e
		cache.Unlock()
	}
	return e.Bool(env)
}
