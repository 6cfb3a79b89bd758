// Package pattern generates target identifiers from value patterns.
//
// A pattern is literal text with bracketed numeric ranges:
//
//	uid=user.[1-1000],ou=people    random value in 1..1000 per call
//	uid=user.[1:1000],ou=people    sequential 1, 2, ... 1000, then wraps
//	cn=[0:100:10]                  sequential with a step of 10
//
// A literal '[' is written as "[[". Sequential ranges are shared by every
// caller of the same Pattern, so concurrent workers walk one sequence.
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/willfong/workload-generator/internal/utils"
)

// ErrSyntax is returned for malformed patterns.
var ErrSyntax = errors.New("invalid value pattern")

// Pattern is a parsed value pattern. It is safe for concurrent use.
type Pattern struct {
	raw   string
	parts []part
}

type part interface {
	write(sb *strings.Builder, rng *utils.Random)
}

type literal string

func (l literal) write(sb *strings.Builder, _ *utils.Random) { sb.WriteString(string(l)) }

type randomRange struct {
	lo, hi int64
}

func (r randomRange) write(sb *strings.Builder, rng *utils.Random) {
	sb.WriteString(strconv.FormatInt(rng.Int64Range(r.lo, r.hi), 10))
}

type sequentialRange struct {
	lo, step, span int64
	calls          *atomic.Int64
}

func (s sequentialRange) write(sb *strings.Builder, _ *utils.Random) {
	n := s.calls.Add(1) - 1
	sb.WriteString(strconv.FormatInt(s.lo+(n%s.span)*s.step, 10))
}

// Parse compiles a pattern.
func Parse(s string) (*Pattern, error) {
	p := &Pattern{raw: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			p.parts = append(p.parts, literal(lit.String()))
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ']' {
			return nil, fmt.Errorf("%w: unexpected ']' at offset %d in %q", ErrSyntax, i, s)
		}
		if c != '[' {
			lit.WriteByte(c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '[' {
			lit.WriteByte('[')
			i++
			continue
		}
		end := strings.IndexByte(s[i:], ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unclosed '[' at offset %d in %q", ErrSyntax, i, s)
		}
		r, err := parseRange(s[i+1 : i+end])
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, s)
		}
		flush()
		p.parts = append(p.parts, r)
		i += end
	}
	flush()
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseRange(body string) (part, error) {
	if lo, hi, ok := strings.Cut(body, "-"); ok && !strings.Contains(hi, ":") {
		a, b, err := parseBounds(lo, hi)
		if err != nil {
			return nil, err
		}
		return randomRange{lo: a, hi: b}, nil
	}

	fields := strings.Split(body, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: range %q must be [a-b], [a:b] or [a:b:step]", ErrSyntax, body)
	}
	a, b, err := parseBounds(fields[0], fields[1])
	if err != nil {
		return nil, err
	}
	step := int64(1)
	if len(fields) == 3 {
		step, err = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil || step < 1 {
			return nil, fmt.Errorf("%w: step %q must be a positive integer", ErrSyntax, fields[2])
		}
	}
	return sequentialRange{lo: a, step: step, span: (b-a)/step + 1, calls: &atomic.Int64{}}, nil
}

func parseBounds(lo, hi string) (int64, int64, error) {
	a, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad lower bound %q", ErrSyntax, lo)
	}
	b, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad upper bound %q", ErrSyntax, hi)
	}
	if b < a {
		return 0, 0, fmt.Errorf("%w: upper bound %d below lower bound %d", ErrSyntax, b, a)
	}
	return a, b, nil
}

// Next produces the next value.
func (p *Pattern) Next(rng *utils.Random) string {
	if len(p.parts) == 1 {
		if l, ok := p.parts[0].(literal); ok {
			return string(l)
		}
	}
	var sb strings.Builder
	sb.Grow(len(p.raw) + 8)
	for _, part := range p.parts {
		part.write(&sb, rng)
	}
	return sb.String()
}

// String returns the source text of the pattern.
func (p *Pattern) String() string { return p.raw }
