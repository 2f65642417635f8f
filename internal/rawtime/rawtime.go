// Package rawtime handles device-reported wall-clock timestamps as opaque
// canonical strings.
//
// Tracker devices report local civil time with no zone marker, and reports
// are displayed back in the device's own zone. Converting to UTC (or to the
// server's zone) would destroy the value users expect to see, so a stamp is
// never turned into a time.Time for storage or comparison. Ordering and
// equality are plain string operations, which are chronological for the
// canonical shape.
package rawtime

import (
	"errors"
	"fmt"
	"time"
)

// Layout is the canonical stamp shape: YYYY-MM-DD HH:MM:SS, 24h clock,
// single space. It is also a valid Go reference layout, used only to
// validate calendar plausibility and to format server-generated stamps.
const Layout = "2006-01-02 15:04:05"

// ErrMalformed is returned by Parse for any input that is not a canonical
// stamp. Matched with errors.Is.
var ErrMalformed = errors.New("malformed timestamp")

// Stamp is a validated canonical timestamp string. The zero value is the
// empty string and is never a valid stamp.
type Stamp string

// Parse validates s strictly against the canonical shape and returns it as
// a Stamp. No zone database is consulted and no normalization is applied:
// the returned Stamp is byte-for-byte the input.
func Parse(s string) (Stamp, error) {
	if len(s) != len(Layout) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	for i := 0; i < len(s); i++ {
		switch i {
		case 4, 7:
			if s[i] != '-' {
				return "", fmt.Errorf("%w: %q", ErrMalformed, s)
			}
		case 10:
			if s[i] != ' ' {
				return "", fmt.Errorf("%w: %q", ErrMalformed, s)
			}
		case 13, 16:
			if s[i] != ':' {
				return "", fmt.Errorf("%w: %q", ErrMalformed, s)
			}
		default:
			if s[i] < '0' || s[i] > '9' {
				return "", fmt.Errorf("%w: %q", ErrMalformed, s)
			}
		}
	}
	// Calendar validity (month range, day-in-month, 24h fields). time.Parse
	// with a zoneless layout touches no zone database; the parsed instant is
	// discarded and only the original string is kept.
	if _, err := time.Parse(Layout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Stamp(s), nil
}

// FromTime formats t as a Stamp. This is the single bridge from instants to
// stamps; it exists for server-generated boundaries (scheduler windows,
// archive filenames) and is never applied to device input.
func FromTime(t time.Time) Stamp {
	return Stamp(t.Format(Layout))
}

func (s Stamp) String() string { return string(s) }

// IsZero reports whether s is the unset zero value.
func (s Stamp) IsZero() bool { return s == "" }

// Before reports whether s sorts strictly before o. For canonical stamps
// byte order is chronological order.
func (s Stamp) Before(o Stamp) bool { return s < o }

// After reports whether s sorts strictly after o.
func (s Stamp) After(o Stamp) bool { return s > o }

// Date returns the YYYY-MM-DD prefix.
func (s Stamp) Date() string {
	if len(s) < 10 {
		return ""
	}
	return string(s[:10])
}

// YearMonth returns the reported calendar year and month. s must be a
// parsed Stamp; the digits are read positionally.
func (s Stamp) YearMonth() (year, month int) {
	if len(s) < 7 {
		return 0, 0
	}
	year = digits(string(s[0:4]))
	month = digits(string(s[5:7]))
	return year, month
}

// Key returns year*100+month, the integer the history table partitions on.
// Lexicographic order of stamps and numeric order of keys agree.
func (s Stamp) Key() int {
	y, m := s.YearMonth()
	return y*100 + m
}

// Sub returns the wall-clock interval from o to s. Both stamps sit on the
// same implied clock, so the difference is exact even though no zone is
// known; the intermediate instants are discarded.
func (s Stamp) Sub(o Stamp) (time.Duration, error) {
	a, err := time.Parse(Layout, string(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	b, err := time.Parse(Layout, string(o))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, o)
	}
	return a.Sub(b), nil
}

func digits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// MonthKey returns year*100+month for an explicit pair.
func MonthKey(year, month int) int { return year*100 + month }

// AddMonths walks the (year, month) pair n calendar months forward
// (negative n walks backward) without constructing a time.Time.
func AddMonths(year, month, n int) (int, int) {
	idx := year*12 + (month - 1) + n
	return idx / 12, idx%12 + 1
}

// MonthsBetween returns how many whole calendar months fromY/fromM lies
// before toY/toM. Zero when equal, negative when from is later.
func MonthsBetween(fromY, fromM, toY, toM int) int {
	return (toY*12 + toM) - (fromY*12 + fromM)
}
