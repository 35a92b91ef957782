package heat

import (
	"fmt"
	"strings"
)

// Period is an assessment period as used in input file names.
type Period string

const (
	PeriodHOLAS2 Period = "2011-2016"
	PeriodHOLAS3 Period = "2016-2021"
	PeriodOther  Period = "1877-9999"
)

// periodNames maps user facing period names to periods, in display order.
var periodNames = []struct {
	name   string
	period Period
}{
	{"holas-2", PeriodHOLAS2},
	{"holas-3", PeriodHOLAS3},
	{"other", PeriodOther},
}

// ValidPeriodNames lists the accepted assessment_period values.
func ValidPeriodNames() []string {
	names := make([]string, len(periodNames))
	for i, p := range periodNames {
		names[i] = p.name
	}
	return names
}

// ParsePeriod maps a user supplied period name to a Period. Matching is
// case-insensitive.
func ParsePeriod(s string) (Period, error) {
	name := strings.ToLower(s)
	for _, p := range periodNames {
		if p.name == name {
			return p.period, nil
		}
	}
	return "", fmt.Errorf("%w: assessment_period is %q, must be one of: %s",
		ErrInvalidInput, s, strings.Join(ValidPeriodNames(), ", "))
}
