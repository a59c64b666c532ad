package flag

import (
	"fmt"
	"strconv"
	"strings"
)

const sizeSuffixes = "gGmMkK"

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; without one, unit is used. The number can be in any base
// strconv accepts.
func ParseSize(s, unit string) (int, error) {
	num := strings.TrimRight(s, sizeSuffixes)
	if num == "" {
		return -1, fmt.Errorf("%q: can't parse as num[%s]: %w", s, sizeSuffixes, strconv.ErrSyntax)
	}

	if suffix := s[len(num):]; suffix != "" {
		unit = suffix
	}

	amt, err := strconv.ParseUint(num, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("%q: %w", s, err)
	}

	var shift uint

	switch strings.ToLower(unit) {
	case "g":
		shift = 30
	case "m":
		shift = 20
	case "k":
		shift = 10
	case "":
	default:
		return -1, fmt.Errorf("%q: unit %q is not one of %s: %w", s, unit, sizeSuffixes, strconv.ErrSyntax)
	}

	return int(amt) << shift, nil
}
