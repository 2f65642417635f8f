// Package timewin resolves user-facing time expressions into canonical
// storage stamps.
//
// Parsing is layered; the first layer that recognizes the input wins:
//  1. Canonical stamp (2006-01-02 15:04:05)
//  2. Date only (2006-01-02), resolved to midnight
//  3. Compact duration ([+-]N[hdwmy]) relative to now
//  4. Go duration (e.g. -24h30m) relative to now
//  5. Natural language ("yesterday", "3 days ago")
//
// Canonical stamps pass through untouched so operators can always paste a
// stored device_ts back into a query. Everything else resolves against the
// local clock at parse time.
package timewin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/types"
)

const dateOnlyLayout = "2006-01-02"

// compactRe matches compact duration patterns: [+-]?(\d+)([hdwmy]).
// Examples: +6h, -1d, +2w, 3m, 1y. Bare numbers take the positive sign.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

var nlp = newNaturalParser()

func newNaturalParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Resolve parses a time expression into a canonical stamp. Relative
// expressions are anchored at now.
func Resolve(input string, now time.Time) (rawtime.Stamp, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("empty time expression")
	}

	if stamp, err := rawtime.Parse(s); err == nil {
		return stamp, nil
	}
	if t, err := time.ParseInLocation(dateOnlyLayout, s, now.Location()); err == nil {
		return rawtime.FromTime(t), nil
	}
	if t, ok := parseCompact(s, now); ok {
		return rawtime.FromTime(t), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return rawtime.FromTime(now.Add(d)), nil
	}
	if t, ok := parseNatural(s, now); ok {
		return rawtime.FromTime(t), nil
	}
	return "", fmt.Errorf("unrecognized time expression %q", input)
}

// Window builds an inclusive query window from from/to expressions. An
// empty to means now.
func Window(from, to string, now time.Time) (types.Window, error) {
	f, err := Resolve(from, now)
	if err != nil {
		return types.Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	t := rawtime.FromTime(now)
	if strings.TrimSpace(to) != "" {
		t, err = Resolve(to, now)
		if err != nil {
			return types.Window{}, fmt.Errorf("invalid window end: %w", err)
		}
	}
	w := types.Window{From: f, To: t}
	if err := w.Validate(); err != nil {
		return types.Window{}, err
	}
	return w, nil
}

// parseCompact handles [+-]N[hdwmy]. The m and y units shift by calendar
// months and years, not fixed durations, so month arithmetic matches the
// partition layout.
func parseCompact(s string, now time.Time) (time.Time, bool) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), true
	case "d":
		return now.AddDate(0, 0, amount), true
	case "w":
		return now.AddDate(0, 0, amount*7), true
	case "m":
		return now.AddDate(0, amount, 0), true
	case "y":
		return now.AddDate(amount, 0, 0), true
	}
	return time.Time{}, false
}

func parseNatural(s string, now time.Time) (time.Time, bool) {
	r, err := nlp.Parse(s, now)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}
