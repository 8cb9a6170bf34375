package expect

import (
	"bytes"
	"regexp"
	"strconv"
)

// Pattern locates a marker in buffered console output.
type Pattern interface {
	// Find returns the byte range of the leftmost match in b.
	Find(b []byte) (start, end int, ok bool)
	String() string
}

type literal []byte

// Literal matches s byte for byte.
func Literal(s string) Pattern { return literal(s) }

func (l literal) Find(b []byte) (int, int, bool) {
	if len(l) == 0 {
		return 0, 0, true
	}
	i := bytes.Index(b, l)
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(l), true
}

func (l literal) String() string { return strconv.Quote(string(l)) }

type regexpPattern struct {
	re *regexp.Regexp
}

// Regexp compiles expr into a Pattern.
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return regexpPattern{re: re}, nil
}

// MustRegexp is like Regexp but panics on an invalid expression.
func MustRegexp(expr string) Pattern {
	return regexpPattern{re: regexp.MustCompile(expr)}
}

func (r regexpPattern) Find(b []byte) (int, int, bool) {
	loc := r.re.FindIndex(b)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

func (r regexpPattern) String() string { return "/" + r.re.String() + "/" }
