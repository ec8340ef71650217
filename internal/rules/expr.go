package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// Expression is a condition written as a small boolean expression, e.g.
//
//	derived.isLowStock && context.isCritical && !temporal.isWeekend
//	inRange(derived.stockRatio, 0, 0.5) || percentChange(last(priceHistory), currentPrice) > 25
//
// Only field paths, literals, arithmetic, comparison and logical operators
// and a fixed set of helper functions are available.
type Expression struct {
	Source string
	root   node
}

// CompileExpression parses src and resolves every field and function name
func CompileExpression(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrExpression, t.text, t.pos)
	}
	return &Expression{Source: src, root: root}, nil
}

// MustCompileExpression panics when src does not compile
func MustCompileExpression(src string) *Expression {
	e, err := CompileExpression(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (x *Expression) Evaluate(ec *EvalContext) (bool, error) {
	v, err := x.Value(ec)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Value evaluates the expression without coercing the result to a boolean
func (x *Expression) Value(ec *EvalContext) (any, error) {
	v, err := x.root.eval(ec.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", x.Source, err)
	}
	return v, nil
}

func (x *Expression) String() string {
	return x.Source
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// longest operators first
var operatorTokens = []string{
	"===", "!==", "==", "!=", "<=", ">=", "&&", "||",
	"<", ">", "!", "+", "-", "*", "/", "%", "(", ")", ",", ".",
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			v, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q at %d", ErrExpression, src[start:i], start)
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: v, pos: start})
		case c == '\'' || c == '"':
			start := i
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			i = next
			toks = append(toks, token{kind: tokString, text: s, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			op := ""
			for _, candidate := range operatorTokens {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrExpression, c, i)
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i])
			}
		case c == quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string at %d", ErrExpression, start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

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

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expectOp(op string) error {
	if _, ok := p.acceptOp(op); !ok {
		t := p.peek()
		return fmt.Errorf("%w: expected %q at %d, got %q", ErrExpression, op, t.pos, t.text)
	}
	return nil
}

// binaryLevel parses left-associative operators of one precedence level
func (p *parser) binaryLevel(operand func() (node, error), ops ...string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.binaryLevel(p.parseAnd, "||")
}

func (p *parser) parseAnd() (node, error) {
	return p.binaryLevel(p.parseEquality, "&&")
}

func (p *parser) parseEquality() (node, error) {
	return p.binaryLevel(p.parseComparison, "===", "!==", "==", "!=")
}

func (p *parser) parseComparison() (node, error) {
	return p.binaryLevel(p.parseAdditive, "<=", ">=", "<", ">")
}

func (p *parser) parseAdditive() (node, error) {
	return p.binaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.binaryLevel(p.parseUnary, "*", "/", "%")
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{value: t.num}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		path := t.text
		for {
			if _, ok := p.acceptOp("."); !ok {
				break
			}
			seg := p.next()
			if seg.kind != tokIdent {
				return nil, fmt.Errorf("%w: expected name after '.' at %d", ErrExpression, seg.pos)
			}
			path += "." + seg.text
		}
		if _, ok := p.acceptOp("("); ok {
			return p.parseCall(strings.TrimPrefix(path, "helpers."), t.pos)
		}
		resolved, get, err := resolveField(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExpression, err)
		}
		return &fieldNode{path: resolved, get: get}, nil
	case tokOp:
		if t.text == "(" {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrExpression)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrExpression, t.text, t.pos)
}

func (p *parser) parseCall(name string, pos int) (node, error) {
	var args []node
	if _, ok := p.acceptOp(")"); !ok {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if _, ok := p.acceptOp(","); ok {
				continue
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			break
		}
	}

	if name == "matches" {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: matches takes 2 arguments", ErrExpression)
		}
		lit, ok := args[1].(*literalNode)
		pattern, isStr := "", false
		if ok {
			pattern, isStr = lit.value.(string)
		}
		if !isStr {
			return nil, fmt.Errorf("%w: matches pattern must be a string literal", ErrExpression)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExpression, err)
		}
		return &matchNode{subject: args[0], re: re}, nil
	}

	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q at %d", ErrExpression, name, pos)
	}
	if len(args) < fn.minArgs || len(args) > fn.maxArgs {
		return nil, fmt.Errorf("%w: %s takes %d to %d arguments, got %d", ErrExpression, name, fn.minArgs, fn.maxArgs, len(args))
	}
	return &callNode{name: name, fn: fn, args: args}, nil
}

type node interface {
	eval(e *model.EnrichedDataPoint) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(*model.EnrichedDataPoint) (any, error) { return n.value, nil }

type fieldNode struct {
	path string
	get  fieldGetter
}

func (n *fieldNode) eval(e *model.EnrichedDataPoint) (any, error) { return n.get(e), nil }

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(e *model.EnrichedDataPoint) (any, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return !truthy(v), nil
	}
	if v == nil {
		return nil, nil
	}
	f, ok := toNumber(v)
	if !ok {
		return nil, fmt.Errorf("%w: cannot negate %T", ErrExpression, v)
	}
	return -f, nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(e *model.EnrichedDataPoint) (any, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(e)
		return truthy(r), err
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(e)
		return truthy(r), err
	}

	r, err := n.right.eval(e)
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
	case "<", "<=", ">", ">=":
		cmp, ok := compareOrdered(l, r)
		if !ok {
			return false, nil
		}
		switch n.op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		}
		return cmp >= 0, nil
	}

	// arithmetic: absent operands propagate as absent
	if l == nil || r == nil {
		return nil, nil
	}
	if n.op == "+" {
		ls, lStr := l.(string)
		rs, rStr := r.(string)
		if lStr && rStr {
			return ls + rs, nil
		}
	}
	a, aok := toNumber(l)
	b, bok := toNumber(r)
	if !aok || !bok {
		return nil, fmt.Errorf("%w: %T %s %T", ErrExpression, l, n.op, r)
	}
	switch n.op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, nil
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, nil
		}
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", ErrExpression, n.op)
}

type matchNode struct {
	subject node
	re      *regexp.Regexp
}

func (n *matchNode) eval(e *model.EnrichedDataPoint) (any, error) {
	v, err := n.subject.eval(e)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	return ok && n.re.MatchString(s), nil
}

type builtin struct {
	minArgs, maxArgs int
	call             func(e *model.EnrichedDataPoint, args []any) (any, error)
}

type callNode struct {
	name string
	fn   builtin
	args []node
}

func (n *callNode) eval(e *model.EnrichedDataPoint) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(e)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := n.fn.call(e, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

var helpers Helpers

// builtins are the functions callable from expressions. They return nil
// when an argument they need is absent.
var builtins = map[string]builtin{
	"inRange": {3, 3, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		nums, ok := numbers(args)
		if !ok {
			return false, nil
		}
		return helpers.InRange(nums[0], nums[1], nums[2]), nil
	}},
	"percentChange": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		nums, ok := numbers(args)
		if !ok {
			return nil, nil
		}
		return helpers.PercentChange(nums[0], nums[1]), nil
	}},
	"daysBetween": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		a, aok := toTime(args[0])
		b, bok := toTime(args[1])
		if !aok || !bok {
			return nil, nil
		}
		return helpers.DaysBetween(a, b), nil
	}},
	"isWeekend": {0, 1, func(e *model.EnrichedDataPoint, args []any) (any, error) {
		if len(args) == 0 {
			return e.Temporal.IsWeekend, nil
		}
		t, ok := toTime(args[0])
		if !ok {
			return nil, nil
		}
		return helpers.IsWeekend(t), nil
	}},
	"movingAverage": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		s, ok := args[0].([]float64)
		w, wok := toNumber(args[1])
		if !ok || !wok || len(s) == 0 {
			return nil, nil
		}
		return helpers.MovingAverage(s, int(w)), nil
	}},
	"last": {1, 1, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		s, ok := args[0].([]float64)
		if !ok || len(s) == 0 {
			return nil, nil
		}
		return s[len(s)-1], nil
	}},
	"len": {1, 1, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []float64:
			return float64(len(v)), nil
		case nil:
			return 0.0, nil
		}
		return nil, fmt.Errorf("%w: len of %T", ErrExpression, args[0])
	}},
	"abs": {1, 1, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		f, ok := toNumber(args[0])
		if !ok {
			return nil, nil
		}
		return math.Abs(f), nil
	}},
	"min": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		nums, ok := numbers(args)
		if !ok {
			return nil, nil
		}
		return math.Min(nums[0], nums[1]), nil
	}},
	"max": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		nums, ok := numbers(args)
		if !ok {
			return nil, nil
		}
		return math.Max(nums[0], nums[1]), nil
	}},
	"contains": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		return containsValue(args[0], args[1]), nil
	}},
	"startsWith": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		s, ok := args[0].(string)
		prefix, ok2 := args[1].(string)
		return ok && ok2 && strings.HasPrefix(s, prefix), nil
	}},
	"endsWith": {2, 2, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		s, ok := args[0].(string)
		suffix, ok2 := args[1].(string)
		return ok && ok2 && strings.HasSuffix(s, suffix), nil
	}},
	"lower": {1, 1, func(_ *model.EnrichedDataPoint, args []any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, nil
		}
		return strings.ToLower(s), nil
	}},
}

func numbers(args []any) ([]float64, bool) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := toNumber(a)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func toTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := features.ParseTimestamp(s)
	return t, err == nil
}
