package vm

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zurustar/mmscript/pkg/opcode"
	"github.com/zurustar/mmscript/pkg/servo"
)

// step carries the state of one ExecOneStep call.
type step struct {
	interp *Interpreter
	ctx    context.Context
	host   servo.Host
	index  int   // physical line to advance from; RET moves it
	next   int16 // cursorRewound means advance
}

func (s *step) run(text string) error {
	cmd, rest, ok := matchKeyword(text, opcode.Statements)
	if !ok {
		return s.nodeCommands(text)
	}

	switch cmd {
	case opcode.Call:
		return s.call(rest)
	case opcode.Ret:
		return s.ret()
	case opcode.Let:
		return s.let(rest)
	case opcode.If:
		return s.ifThen(text)
	case opcode.Goto:
		label, err := jumpTarget(rest, ErrMissingGotoParam)
		if err != nil {
			return err
		}
		s.next = label
	case opcode.End:
		s.next = 0
	case opcode.Delay:
		return s.delay(rest)
	case opcode.Wait:
		return s.wait(rest)
	}
	return nil
}

func (s *step) call(rest string) error {
	label, err := jumpTarget(rest, ErrMissingCallParam)
	if err != nil {
		return err
	}
	if err := s.interp.stack.push(s.index); err != nil {
		return err
	}
	s.next = label
	return nil
}

func (s *step) ret() error {
	idx, err := s.interp.stack.pop()
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}

func (s *step) let(rest string) error {
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return ErrMissingLetEqual
	}

	p := skipBlank(rest, 0)
	if p >= len(rest) || !isVarName(rest[p]) {
		return ErrMissingLetVarname
	}
	name := rest[p]
	for p++; p < eq; p++ {
		if rest[p] != ' ' {
			return ErrInvalidLetVarname
		}
	}

	p = eq + 1
	if p >= len(rest) || !(isVarName(rest[p]) || isDigit(rest[p]) || rest[p] == ' ') {
		return ErrInvalidLetEqual
	}

	value, err := Eval(rest[p:], &s.interp.vars)
	if err != nil {
		return err
	}
	s.interp.vars.Set(name, value)
	return nil
}

func isCompareChar(c byte) bool {
	return c == '>' || c == '<' || c == '=' || c == '!'
}

// ifThen handles `IF ( EXPR op EXPR ) THEN label`.
func (s *step) ifThen(text string) error {
	open := strings.IndexByte(text, '(')
	closing := strings.IndexByte(text, ')')
	if open < 0 || closing < 0 {
		return ErrMissingIfBrackets
	}
	if strings.IndexByte(text[open+1:], '(') >= 0 || strings.IndexByte(text[closing+1:], ')') >= 0 || closing < open {
		return ErrInvalidIfBrackets
	}

	cond := text[open+1 : closing]
	opStart := strings.IndexFunc(cond, func(r rune) bool { return r < 0x80 && isCompareChar(byte(r)) })
	if opStart < 0 {
		return ErrInvalidIfSyntax
	}
	opEnd := opStart
	for opEnd < len(cond) && isCompareChar(cond[opEnd]) {
		opEnd++
	}

	vars := &s.interp.vars
	left, err := Eval(cond[:opStart], vars)
	if err != nil {
		return err
	}
	right, err := Eval(cond[opEnd:], vars)
	if err != nil {
		return err
	}

	then := strings.Index(text, opcode.Then)
	if then < 0 {
		return ErrInvalidIfSyntax
	}
	label, err := jumpTarget(text[then+len(opcode.Then):], ErrMissingThenParam)
	if err != nil {
		return err
	}

	holds, err := compare(cond[opStart:opEnd], left, right)
	if err != nil {
		return err
	}
	if holds {
		s.next = label
	}
	return nil
}

// compare matches op by prefix, two-character operators first.
func compare(op string, left, right int16) (bool, error) {
	switch {
	case strings.HasPrefix(op, "=="):
		return left == right, nil
	case strings.HasPrefix(op, ">="):
		return left >= right, nil
	case strings.HasPrefix(op, "<="):
		return left <= right, nil
	case strings.HasPrefix(op, "!="):
		return left != right, nil
	case strings.HasPrefix(op, ">"):
		return left > right, nil
	case strings.HasPrefix(op, "<"):
		return left < right, nil
	}
	return false, ErrInvalidIfOperator
}

func (s *step) delay(rest string) error {
	ms, _, ok := scanInt(rest)
	if !ok || ms < 0 || ms > math.MaxInt32 {
		return ErrMissingDelayParam
	}
	s.interp.delay(s.ctx, time.Duration(ms)*time.Millisecond)
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

// matchKeyword returns the first keyword that prefixes text, and the text after it.
func matchKeyword(text string, cmds []opcode.Cmd) (opcode.Cmd, string, bool) {
	for _, c := range cmds {
		if strings.HasPrefix(text, string(c)) {
			return c, text[len(c):], true
		}
	}
	return "", text, false
}

// jumpTarget reads a label operand. A missing number yields missing; a
// negative or oversized one is an invalid label. 0 ends the script.
func jumpTarget(s string, missing Code) (int16, error) {
	n, _, ok := scanInt(s)
	if !ok {
		return 0, missing
	}
	if n < 0 || n > math.MaxInt16 {
		return 0, ErrInvalidLabel
	}
	return int16(n), nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}

// scanInt reads an optionally signed decimal integer after leading white
// space and returns the remaining text.
func scanInt(s string) (int64, string, bool) {
	p := 0
	for p < len(s) && isSpace(s[p]) {
		p++
	}
	begin := p
	if p < len(s) && (s[p] == '+' || s[p] == '-') {
		p++
	}
	digits := p
	for p < len(s) && isDigit(s[p]) {
		p++
	}
	if p == digits {
		return 0, s, false
	}
	n, err := strconv.ParseInt(s[begin:p], 10, 64)
	if err != nil {
		return 0, s, false
	}
	return n, s[p:], true
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// scanHex reads a hexadecimal integer, with optional 0x prefix, after
// leading white space.
func scanHex(s string) (uint64, string, bool) {
	p := 0
	for p < len(s) && isSpace(s[p]) {
		p++
	}
	if p+2 < len(s) && s[p] == '0' && (s[p+1] == 'x' || s[p+1] == 'X') && isHexDigit(s[p+2]) {
		p += 2
	}
	begin := p
	for p < len(s) && isHexDigit(s[p]) {
		p++
	}
	if p == begin {
		return 0, s, false
	}
	n, err := strconv.ParseUint(s[begin:p], 16, 64)
	if err != nil {
		return 0, s, false
	}
	return n, s[p:], true
}
