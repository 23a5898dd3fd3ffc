package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Rule expressions are small arithmetic/boolean formulas over named pricing
// inputs, e.g. "demand_growth_rate > $growth AND trend_momentum > 10".
//
//	Or        → And ( OR And )*
//	And       → Not ( AND Not )*
//	Not       → NOT Not | Compare
//	Compare   → Sum ( (> < >= <= == !=) Sum )?
//	Sum       → Product ( (+ -) Product )*
//	Product   → Unary ( (* /) Unary )*
//	Unary     → - Unary | Primary
//	Primary   → number | identifier | $param | call | ( Or )
//
// Booleans evaluate to 1 and 0.

// ExpressionError reports a lexing or parsing problem at a byte offset.
type ExpressionError struct {
	Expr     string
	Position int
	Message  string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("rule expression %q at %d: %s", e.Expr, e.Position, e.Message)
}

// MissingInputError is returned when an expression references an input that
// has no value for the current product.
type MissingInputError struct {
	Name string
}

func (e *MissingInputError) Error() string {
	return "input unavailable: " + e.Name
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokParam
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokAnd
	tokOr
	tokNot
)

type exprToken struct {
	kind  tokenKind
	text  string
	num   float64
	start int
}

func tokenizeExpression(src string) ([]exprToken, error) {
	var tokens []exprToken
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			v, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &ExpressionError{Expr: src, Position: start, Message: "bad number " + src[start:i]}
			}
			tokens = append(tokens, exprToken{kind: tokNumber, text: src[start:i], num: v, start: start})
		case c == '$' || c == '_' || unicode.IsLetter(c):
			start := i
			i++
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			word := src[start:i]
			tok := exprToken{kind: tokIdent, text: word, start: start}
			switch {
			case word[0] == '$':
				if len(word) == 1 {
					return nil, &ExpressionError{Expr: src, Position: start, Message: "empty parameter name"}
				}
				tok.kind, tok.text = tokParam, word[1:]
			case strings.EqualFold(word, "AND"):
				tok.kind = tokAnd
			case strings.EqualFold(word, "OR"):
				tok.kind = tokOr
			case strings.EqualFold(word, "NOT"):
				tok.kind = tokNot
			case strings.EqualFold(word, "true"):
				tok.kind, tok.num = tokNumber, 1
			case strings.EqualFold(word, "false"):
				tok.kind, tok.num = tokNumber, 0
			}
			tokens = append(tokens, tok)
		case c == '(':
			tokens = append(tokens, exprToken{kind: tokLParen, text: "(", start: i})
			i++
		case c == ')':
			tokens = append(tokens, exprToken{kind: tokRParen, text: ")", start: i})
			i++
		case c == ',':
			tokens = append(tokens, exprToken{kind: tokComma, text: ",", start: i})
			i++
		default:
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case ">=", "<=", "==", "!=":
				tokens = append(tokens, exprToken{kind: tokOp, text: two, start: i})
				i += 2
				continue
			case "&&":
				tokens = append(tokens, exprToken{kind: tokAnd, text: two, start: i})
				i += 2
				continue
			case "||":
				tokens = append(tokens, exprToken{kind: tokOr, text: two, start: i})
				i += 2
				continue
			}
			switch c {
			case '>', '<', '+', '-', '*', '/':
				tokens = append(tokens, exprToken{kind: tokOp, text: string(c), start: i})
			case '!':
				tokens = append(tokens, exprToken{kind: tokNot, text: "!", start: i})
			default:
				return nil, &ExpressionError{Expr: src, Position: i, Message: fmt.Sprintf("unexpected character %q", c)}
			}
			i++
		}
	}
	return append(tokens, exprToken{kind: tokEOF, start: len(src)}), nil
}

// exprEnv resolves identifiers and $params during evaluation.
type exprEnv struct {
	inputs map[string]float64
	params map[string]float64
}

type exprNode interface {
	eval(env exprEnv) (float64, error)
}

type numberNode struct{ value float64 }

type identNode struct{ name string }

type paramNode struct{ name string }

type unaryNode struct {
	op      string
	operand exprNode
}

type binaryNode struct {
	op          string
	left, right exprNode
}

type callNode struct {
	name string
	args []exprNode
}

func (n numberNode) eval(exprEnv) (float64, error) { return n.value, nil }

func (n identNode) eval(env exprEnv) (float64, error) {
	v, ok := env.inputs[n.name]
	if !ok || math.IsNaN(v) {
		return 0, &MissingInputError{Name: n.name}
	}
	return v, nil
}

func (n paramNode) eval(env exprEnv) (float64, error) {
	v, ok := env.params[n.name]
	if !ok {
		return 0, fmt.Errorf("undefined rule parameter $%s", n.name)
	}
	return v, nil
}

func (n unaryNode) eval(env exprEnv) (float64, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return 0, err
	}
	if n.op == "NOT" {
		return boolValue(v == 0), nil
	}
	return -v, nil
}

func (n binaryNode) eval(env exprEnv) (float64, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return 0, err
	}
	// AND/OR は短絡評価
	switch n.op {
	case "AND":
		if left == 0 {
			return 0, nil
		}
	case "OR":
		if left != 0 {
			return 1, nil
		}
	}
	right, err := n.right.eval(env)
	if err != nil {
		return 0, err
	}

	switch n.op {
	case "AND", "OR":
		return boolValue(right != 0), nil
	case "+":
		return left + right, nil
	case "-":
		return left - right, nil
	case "*":
		return left * right, nil
	case "/":
		if right == 0 {
			return 0, errors.New("division by zero")
		}
		return left / right, nil
	case ">":
		return boolValue(left > right), nil
	case "<":
		return boolValue(left < right), nil
	case ">=":
		return boolValue(left >= right), nil
	case "<=":
		return boolValue(left <= right), nil
	case "==":
		return boolValue(left == right), nil
	case "!=":
		return boolValue(left != right), nil
	}
	return 0, fmt.Errorf("unknown operator %s", n.op)
}

var exprFunctions = map[string]int{"min": 2, "max": 2, "abs": 1, "clamp": 3}

func (n callNode) eval(env exprEnv) (float64, error) {
	args := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	switch n.name {
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	case "abs":
		return math.Abs(args[0]), nil
	case "clamp":
		return clamp(args[0], args[1], args[2]), nil
	}
	return 0, fmt.Errorf("unknown function %s", n.name)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type exprParser struct {
	src    string
	tokens []exprToken
	pos    int
}

// RuleExpression is a compiled trigger, guard or magnitude formula.
type RuleExpression struct {
	source string
	root   exprNode
	idents []string
	params []string
}

// CompileExpression parses src into a reusable RuleExpression.
func CompileExpression(src string) (*RuleExpression, error) {
	tokens, err := tokenizeExpression(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{src: src, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q after expression", tok.text)
	}

	expr := &RuleExpression{source: src, root: root}
	idents, params := map[string]bool{}, map[string]bool{}
	collectNames(root, idents, params)
	expr.idents = sortedKeys(idents)
	expr.params = sortedKeys(params)
	return expr, nil
}

// Eval evaluates the expression to a number.
func (e *RuleExpression) Eval(inputs, params map[string]float64) (float64, error) {
	return e.root.eval(exprEnv{inputs: inputs, params: params})
}

// Test evaluates the expression as a predicate.
func (e *RuleExpression) Test(inputs, params map[string]float64) (bool, error) {
	v, err := e.Eval(inputs, params)
	return v != 0, err
}

// Inputs lists the identifiers the expression reads, sorted.
func (e *RuleExpression) Inputs() []string { return e.idents }

// Params lists the $params the expression reads, sorted.
func (e *RuleExpression) Params() []string { return e.params }

func (e *RuleExpression) String() string { return e.source }

func (p *exprParser) peek() exprToken { return p.tokens[p.pos] }

func (p *exprParser) advance() exprToken {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *exprParser) errorf(tok exprToken, format string, args ...interface{}) error {
	return &ExpressionError{Expr: p.src, Position: tok.start, Message: fmt.Sprintf(format, args...)}
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.peek().kind == tokNot {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "NOT", operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (exprNode, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokOp {
		switch tok.text {
		case ">", "<", ">=", "<=", "==", "!=":
			p.advance()
			right, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: tok.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *exprParser) parseSum() (exprNode, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for tok := p.peek(); tok.kind == tokOp && (tok.text == "+" || tok.text == "-"); tok = p.peek() {
		p.advance()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseProduct() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for tok := p.peek(); tok.kind == tokOp && (tok.text == "*" || tok.text == "/"); tok = p.peek() {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if tok := p.peek(); tok.kind == tokOp && tok.text == "-" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return numberNode{value: tok.num}, nil
	case tokParam:
		return paramNode{name: tok.text}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return identNode{name: tok.text}, nil
		}
		return p.parseCall(tok)
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case tokEOF:
		return nil, p.errorf(tok, "unexpected end of expression")
	}
	return nil, p.errorf(tok, "unexpected %q", tok.text)
}

func (p *exprParser) parseCall(name exprToken) (exprNode, error) {
	arity, ok := exprFunctions[strings.ToLower(name.text)]
	if !ok {
		return nil, p.errorf(name, "unknown function %s", name.text)
	}
	p.advance() // (
	var args []exprNode
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
	}
	if closing := p.advance(); closing.kind != tokRParen {
		return nil, p.errorf(closing, "expected ')' to close %s(", name.text)
	}
	if len(args) != arity {
		return nil, p.errorf(name, "%s takes %d arguments, got %d", name.text, arity, len(args))
	}
	return callNode{name: strings.ToLower(name.text), args: args}, nil
}

func collectNames(n exprNode, idents, params map[string]bool) {
	switch node := n.(type) {
	case identNode:
		idents[node.name] = true
	case paramNode:
		params[node.name] = true
	case unaryNode:
		collectNames(node.operand, idents, params)
	case binaryNode:
		collectNames(node.left, idents, params)
		collectNames(node.right, idents, params)
	case callNode:
		for _, a := range node.args {
			collectNames(a, idents, params)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
