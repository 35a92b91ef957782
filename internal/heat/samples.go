package heat

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/greatliontech/heat/internal/invoke"
)

var sampleLabels = map[string]string{
	SamplesBottle: "bottle",
	SamplesCTD:    "ctd",
	SamplesPump:   "pump",
}

// resolveSamples turns a sample selector into an argument for the R
// program. A missing selector means the sample kind is not used and is
// passed as null; "default" selects the shipped data. User supplied URLs
// are not accepted yet.
func resolveSamples(in Inputs, kind string, p Period, selector *string) (invoke.Arg, error) {
	label := sampleLabels[kind]
	if selector == nil {
		return invoke.Null(), nil
	}
	sel := *selector
	switch {
	case strings.EqualFold(sel, "default"):
		slog.Info("using default sample data", "kind", label)
		path, err := in.DefaultSamples(kind, p)
		if err != nil {
			return invoke.Arg{}, err
		}
		return invoke.Str(path), nil
	case strings.HasPrefix(sel, "http"):
		slog.Info("client requested sample data", "kind", label, "url", sel)
		return invoke.Arg{}, fmt.Errorf("%w: currently, only default %s data can be used", ErrNotImplemented, label)
	default:
		return invoke.Arg{}, fmt.Errorf("%w: could not understand %s data: %s", ErrInvalidInput, label, sel)
	}
}
