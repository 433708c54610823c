package vm

import (
	"math"
)

// NumVars is the number of script variables, named A to Z.
const NumVars = 26

// Vars holds the script variables.
type Vars [NumVars]int16

// Get returns the value of the variable named by an upper-case letter, or 0
// for any other byte.
func (v *Vars) Get(name byte) int16 {
	if !isVarName(name) {
		return 0
	}
	return v[name-'A']
}

// Set assigns the variable named by an upper-case letter. It reports false,
// changing nothing, for any other byte.
func (v *Vars) Set(name byte, value int16) bool {
	if !isVarName(name) {
		return false
	}
	v[name-'A'] = value
	return true
}

// Reset zeroes every variable.
func (v *Vars) Reset() {
	*v = Vars{}
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == ';'
}

func isVarName(c byte) bool {
	return c >= 'A' && c <= 'Z'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func skipBlank(s string, p int) int {
	for p < len(s) && isBlank(s[p]) {
		p++
	}
	return p
}

// Eval evaluates expr with no operator precedence: `1+3*6-2` is
// `((1+3)*6)-2`. Terms are unsigned decimal literals or variables.
// Arithmetic wraps at 16 bits and division truncates toward zero.
func Eval(expr string, vars *Vars) (int16, error) {
	p := skipBlank(expr, 0)
	acc, p, err := evalTerm(expr, p, vars)
	if err != nil {
		return 0, err
	}

	for p = skipBlank(expr, p); p < len(expr); p = skipBlank(expr, p) {
		op := expr[p]
		switch {
		case op == '+' || op == '-' || op == '*' || op == '/':
		case isVarName(op):
			return 0, ErrInvalidExprItem
		default:
			return 0, ErrInvalidExprOperator
		}

		var rhs int16
		rhs, p, err = evalTerm(expr, skipBlank(expr, p+1), vars)
		if err != nil {
			return 0, err
		}

		switch op {
		case '+':
			acc += rhs
		case '-':
			acc -= rhs
		case '*':
			acc *= rhs
		case '/':
			if rhs == 0 {
				return 0, ErrDivisionByZero
			}
			acc /= rhs
		}
	}
	return acc, nil
}

// evalTerm reads one literal or variable at p and returns the position after it.
func evalTerm(expr string, p int, vars *Vars) (int16, int, error) {
	if p >= len(expr) {
		return 0, p, ErrInvalidExprItem
	}
	c := expr[p]
	if isVarName(c) {
		return vars.Get(c), p + 1, nil
	}
	if !isDigit(c) {
		return 0, p, ErrInvalidExprItem
	}

	var n int64
	for p < len(expr) && isDigit(expr[p]) {
		n = n*10 + int64(expr[p]-'0')
		if n > math.MaxInt16 {
			return 0, p, ErrInvalidExprItem
		}
		p++
	}
	return int16(n), p, nil
}
