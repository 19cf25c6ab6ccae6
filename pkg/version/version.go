// Package version orders build names.
//
// Build names such as "omni-9.0-20240102-NIGHTLY-device" embed their release
// number. Two orderings are used: the digits of the whole name compared as an
// unbounded integer, and a dotted tag such as "9.0.1" compared segment by
// segment.
package version

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D+`)

// Number returns the integer formed by every digit in name. A name without
// digits is 0.
func Number(name string) *big.Int {
	digits := nonDigits.ReplaceAllString(name, "")
	n := new(big.Int)
	if digits == "" {
		return n
	}
	n.SetString(digits, 10)
	return n
}

// CompareNames compares two build names by their embedded digits.
func CompareNames(a, b string) int {
	return Number(a).Cmp(Number(b))
}

// Newer reports whether candidate carries a strictly greater number than current.
func Newer(candidate, current string) bool {
	return CompareNames(candidate, current) > 0
}

var dotted = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// Dotted is a parsed "major.minor.patch..." tag.
type Dotted []uint64

// ParseDotted parses a digit-dot tag. Anything else is rejected.
func ParseDotted(s string) (Dotted, error) {
	if !dotted.MatchString(s) {
		return nil, fmt.Errorf("invalid dotted version %q", s)
	}
	parts := strings.Split(s, ".")
	v := make(Dotted, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dotted version %q: %w", s, err)
		}
		v[i] = n
	}
	return v, nil
}

// Compare orders two dotted versions; missing trailing segments count as 0.
func (v Dotted) Compare(o Dotted) int {
	n := max(len(v), len(o))
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Dotted) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}
