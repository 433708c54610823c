package vm

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
)

// blankLabel marks a line with no instruction.
const blankLabel int16 = -1

// maxLines keeps every line index within 16 bits.
const maxLines = math.MaxUint16

// Line is one physical line of a loaded script.
type Line struct {
	Label int16  // -1 for a blank line
	Text  string // command text without the label
}

// Blank reports whether the line carries no instruction.
func (l Line) Blank() bool {
	return l.Label == blankLabel
}

// parseLines splits text into the line table. It returns the table and the
// label of the first executable line.
func parseLines(text string) ([]Line, int16, error) {
	raw := strings.Split(text, "\n")
	if n := len(raw); n > 0 && raw[n-1] == "" {
		raw = raw[:n-1]
	}
	if len(raw) > maxLines {
		return nil, 0, newParseError(ErrParseAlloc, 0, "")
	}

	lines := make([]Line, 0, len(raw))
	start := blankLabel
	for i, s := range raw {
		s = strings.TrimLeft(s, " \t;")
		s = strings.TrimRight(s, "\r;")
		if s == "" {
			lines = append(lines, Line{Label: blankLabel})
			continue
		}

		colon := strings.IndexByte(s, ':')
		if colon < 0 {
			return nil, 0, newParseError(ErrParseMissingLabel, i+1, s)
		}
		label, err := parseLabel(s[:colon])
		if err != nil {
			return nil, 0, newParseError(err.(Code), i+1, s)
		}
		cmd := strings.TrimLeft(s[colon+1:], " \t")
		if cmd == "" {
			return nil, 0, newParseError(ErrParseMissingCommand, i+1, s)
		}

		lines = append(lines, Line{Label: label, Text: cmd})
		if start == blankLabel {
			start = label
		}
	}

	if start == blankLabel {
		return nil, 0, newParseError(ErrParseEmptyScript, 0, "")
	}
	return lines, start, nil
}

func parseLabel(s string) (int16, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrParseInvalidLabel
		}
		return 0, ErrParseMissingLabel
	}
	if n <= 0 || n > math.MaxInt16 {
		return 0, ErrParseInvalidLabel
	}
	return int16(n), nil
}

// duplicateLabels returns every label defined on more than one line, in
// ascending order. Only the first definition is reachable.
func duplicateLabels(lines []Line) []int16 {
	seen := make(map[int16]int, len(lines))
	for _, l := range lines {
		if !l.Blank() {
			seen[l.Label]++
		}
	}
	var dups []int16
	for label, n := range seen {
		if n > 1 {
			dups = append(dups, label)
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i] < dups[j] })
	return dups
}
