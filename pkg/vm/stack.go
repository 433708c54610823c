package vm

// MaxCallDepth is the number of nested CALLs a script may have outstanding.
const MaxCallDepth = 10

// callStack holds the physical line index of each outstanding CALL.
type callStack struct {
	frames [MaxCallDepth]int
	depth  int
}

func (s *callStack) push(line int) error {
	if s.depth >= MaxCallDepth {
		return ErrFullStack
	}
	s.frames[s.depth] = line
	s.depth++
	return nil
}

func (s *callStack) pop() (int, error) {
	if s.depth == 0 {
		return 0, ErrEmptyStack
	}
	s.depth--
	return s.frames[s.depth], nil
}

func (s *callStack) reset() {
	s.depth = 0
}
