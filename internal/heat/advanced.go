package heat

import (
	"context"
	"encoding/json"

	"github.com/greatliontech/heat/internal/invoke"
)

// The advanced variants take the configuration tables from the caller
// instead of the static input data.

type heat3AdvancedInput struct {
	periodInput
	StationSamples            string `json:"station_samples" validate:"required,url"`
	TableIndicators           string `json:"table_indicators" validate:"required,url"`
	TableIndicatorUnits       string `json:"table_indicator_units" validate:"required,url"`
	TableIndicatorUnitResults string `json:"table_indicator_unit_results" validate:"required,url"`
	IsWeighted                *bool  `json:"combined_Chlorophylla_IsWeighted" validate:"required"`
}

type heat4AdvancedInput struct {
	AnnualIndicators    string `json:"annual_indicators" validate:"required,url"`
	TableIndicators     string `json:"table_indicators" validate:"required,url"`
	TableIndicatorUnits string `json:"table_indicator_units" validate:"required,url"`
}

// remoteFile is a caller supplied file and the name it is stored under.
type remoteFile struct {
	url  string
	file string
}

// downloadAll fetches files in order and returns their host paths as
// arguments. It stops at the first failure.
func (p *Processor) downloadAll(ctx context.Context, files ...remoteFile) ([]invoke.Arg, error) {
	args := make([]invoke.Arg, 0, len(files))
	for _, f := range files {
		path, err := p.download(ctx, f.url, f.file)
		if err != nil {
			return nil, err
		}
		args = append(args, invoke.Str(path))
	}
	return args, nil
}

// heat3Advanced computes annual indicators with caller supplied
// configuration tables. The spatial units are the cleaned units of the
// assessment period, since zipped shapefiles are not accepted.
func (p *Processor) heat3Advanced(ctx context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat3AdvancedInput
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	files, err := p.downloadAll(ctx,
		remoteFile{in.StationSamples, jobFile("station_samples", jobID, "csv")},
		remoteFile{in.TableIndicators, jobFile("indicators", jobID, "csv")},
		remoteFile{in.TableIndicatorUnits, jobFile("indicatorunits", jobID, "csv")},
		remoteFile{in.TableIndicatorUnitResults, jobFile("indicatorunitresults", jobID, "csv")},
	)
	if err != nil {
		return nil, err
	}

	annual := jobFile("AnnualIndicators", jobID, "csv")
	args := []invoke.Arg{files[0], invoke.Str(p.inputs.CleanedUnits(period))}
	args = append(args, files[1:]...)
	args = append(args, invoke.Bool(*in.IsWeighted), invoke.Str(p.outPath(annual)))
	return &plan{
		script:  "run_heat3_csv.R",
		args:    args,
		outputs: []output{{name: "annual_indicators", file: annual}},
	}, nil
}

// heat4Advanced aggregates annual indicators with caller supplied
// configuration tables. It does not depend on an assessment period.
func (p *Processor) heat4Advanced(ctx context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat4AdvancedInput
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	// tables first, then the annual indicators
	files, err := p.downloadAll(ctx,
		remoteFile{in.TableIndicators, jobFile("indicators", jobID, "csv")},
		remoteFile{in.TableIndicatorUnits, jobFile("indicatorunits", jobID, "csv")},
		remoteFile{in.AnnualIndicators, jobFile("annual_indicators", jobID, "csv")},
	)
	if err != nil {
		return nil, err
	}

	indicators := jobFile("AssessmentIndicators", jobID, "csv")
	return &plan{
		script: "run_heat4_csv.R",
		args: []invoke.Arg{
			files[2],
			files[0],
			files[1],
			invoke.Str(p.outPath(indicators)),
		},
		outputs: []output{{name: "assessment_indicators", file: indicators}},
	}, nil
}
