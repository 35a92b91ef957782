package heat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/greatliontech/heat/internal/invoke"
)

type periodInput struct {
	AssessmentPeriod string `json:"assessment_period" validate:"required,oneof=holas-2 holas-3 other"`
}

func (in *periodInput) normalize() {
	in.AssessmentPeriod = strings.ToLower(strings.TrimSpace(in.AssessmentPeriod))
}

func (in *periodInput) period() (Period, error) {
	return ParsePeriod(in.AssessmentPeriod)
}

type heat1Input struct {
	periodInput
}

type heat2Input struct {
	periodInput
	BottleData *string `json:"bottle_data"`
	CTDData    *string `json:"ctd_data"`
	PumpData   *string `json:"pump_data"`
}

type heat3Input struct {
	periodInput
	Samples    string `json:"samples" validate:"required,url"`
	IsWeighted *bool  `json:"combined_Chlorophylla_IsWeighted" validate:"required"`
}

type heat4Input struct {
	periodInput
	AnnualIndicators string `json:"annual_indicators" validate:"required,url"`
}

type heat5Input struct {
	periodInput
	AssessmentIndicators string `json:"assessment_indicators" validate:"required,url"`
}

func jobFile(prefix, jobID, ext string) string {
	return fmt.Sprintf("%s-%s.%s", prefix, jobID, ext)
}

// heat1 grids the assessment units.
func (p *Processor) heat1(_ context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat1Input
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	gridSize, err := p.inputs.ConfigFile(ConfigUnitGridSize, period)
	if err != nil {
		return nil, err
	}

	gridded := jobFile("units_gridded", jobID, "shp")
	cleaned := jobFile("units_cleaned", jobID, "shp")
	return &plan{
		script: "run_heat1_csv.R",
		args: []invoke.Arg{
			invoke.Str(string(period)),
			invoke.Str(p.inputs.UnitsFile(period)),
			invoke.Str(gridSize),
			invoke.Str(p.outPath(cleaned)),
			invoke.Str(p.outPath(gridded)),
		},
		outputs: []output{
			{name: "units_gridded", file: gridded},
			{name: "units_cleaned", file: cleaned},
		},
	}, nil
}

// heat2 assigns station samples to the gridded units.
func (p *Processor) heat2(_ context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat2Input
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	bot, err := resolveSamples(p.inputs, SamplesBottle, period, in.BottleData)
	if err != nil {
		return nil, err
	}
	ctd, err := resolveSamples(p.inputs, SamplesCTD, period, in.CTDData)
	if err != nil {
		return nil, err
	}
	pmp, err := resolveSamples(p.inputs, SamplesPump, period, in.PumpData)
	if err != nil {
		return nil, err
	}

	samples := jobFile("StationSamples", jobID, "csv")
	outBOT := jobFile("StationSamplesBOT", jobID, "csv")
	outCTD := jobFile("StationSamplesCTD", jobID, "csv")
	outPMP := jobFile("StationSamplesPMP", jobID, "csv")
	return &plan{
		script: "run_heat2.R",
		args: []invoke.Arg{
			bot,
			ctd,
			pmp,
			invoke.Str(p.inputs.GriddedUnits(period)),
			invoke.Str(p.outPath(outBOT)),
			invoke.Str(p.outPath(outCTD)),
			invoke.Str(p.outPath(outPMP)),
			invoke.Str(p.outPath(samples)),
		},
		outputs: []output{
			{name: "samples", file: samples},
			{name: "bottle_samples", file: outBOT},
			{name: "pump_samples", file: outPMP},
			{name: "ctd_samples", file: outCTD},
			// static input, not served from the download dir
			{name: "units_gridded"},
		},
	}, nil
}

// heat3 computes annual indicators from a sample table.
func (p *Processor) heat3(ctx context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat3Input
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	configs, err := p.configFiles(period, ConfigIndicators, ConfigIndicatorUnits, ConfigIndicatorUnitResults)
	if err != nil {
		return nil, err
	}
	samples, err := p.download(ctx, in.Samples, jobFile("samples", jobID, "csv"))
	if err != nil {
		return nil, err
	}

	annual := jobFile("AnnualIndicators", jobID, "csv")
	args := []invoke.Arg{
		invoke.Str(samples),
		invoke.Str(p.inputs.CleanedUnits(period)),
	}
	args = append(args, configs...)
	args = append(args, invoke.Bool(*in.IsWeighted), invoke.Str(p.outPath(annual)))
	return &plan{
		script:  "run_heat3_csv.R",
		args:    args,
		outputs: []output{{name: "annual_indicators", file: annual}},
	}, nil
}

// heat4 aggregates annual indicators over the assessment period.
func (p *Processor) heat4(ctx context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat4Input
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	configs, err := p.configFiles(period, ConfigIndicators, ConfigIndicatorUnits)
	if err != nil {
		return nil, err
	}
	annual, err := p.download(ctx, in.AnnualIndicators, jobFile("annual_indicators", jobID, "csv"))
	if err != nil {
		return nil, err
	}

	indicators := jobFile("AssessmentIndicators", jobID, "csv")
	args := append([]invoke.Arg{invoke.Str(annual)}, configs...)
	args = append(args, invoke.Str(p.outPath(indicators)))
	return &plan{
		script:  "run_heat4_csv.R",
		args:    args,
		outputs: []output{{name: "assessment_indicators", file: indicators}},
	}, nil
}

// heat5 computes the final assessment.
func (p *Processor) heat5(ctx context.Context, jobID string, raw json.RawMessage) (*plan, error) {
	var in heat5Input
	if err := decodeInputs(p.validate, raw, &in); err != nil {
		return nil, err
	}
	period, err := in.period()
	if err != nil {
		return nil, err
	}
	configs, err := p.configFiles(period, ConfigIndicators, ConfigIndicatorUnits)
	if err != nil {
		return nil, err
	}
	indicators, err := p.download(ctx, in.AssessmentIndicators, jobFile("assessment_indicators", jobID, "csv"))
	if err != nil {
		return nil, err
	}

	assessment := jobFile("Assessment", jobID, "csv")
	args := append([]invoke.Arg{invoke.Str(indicators)}, configs...)
	args = append(args, invoke.Str(p.outPath(assessment)))
	return &plan{
		script:  "run_heat5_csv.R",
		args:    args,
		outputs: []output{{name: "assessment", file: assessment}},
	}, nil
}

func (p *Processor) configFiles(period Period, which ...string) ([]invoke.Arg, error) {
	args := make([]invoke.Arg, 0, len(which))
	for _, w := range which {
		path, err := p.inputs.ConfigFile(w, period)
		if err != nil {
			return nil, err
		}
		args = append(args, invoke.Str(path))
	}
	return args, nil
}
