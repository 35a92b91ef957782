package heat

import (
	"fmt"
	"path/filepath"
)

// Config tables shipped with the static input data.
const (
	ConfigIndicators           = "Indicators"
	ConfigIndicatorUnits       = "IndicatorUnits"
	ConfigIndicatorUnitResults = "IndicatorUnitResults"
	ConfigUnitGridSize         = "UnitGridSize"
)

// Sample kinds of the station sample files.
const (
	SamplesBottle = "BOT"
	SamplesCTD    = "CTD"
	SamplesPump   = "PMP"
)

const (
	adaptedInputs = "adapted_inputs"
	samplesDate   = "2022-12-09"
	helcomUnits   = "HELCOM_subbasin_with_coastal_WFD_waterbodies_or_watertypes_2022_eutro.shp"
)

// Inputs resolves paths in the read-only static input directory.
type Inputs struct {
	dir string
}

func NewInputs(dir string) Inputs {
	return Inputs{dir: dir}
}

// UnitsFile is the assessment unit shapefile of period p.
func (in Inputs) UnitsFile(p Period) string {
	if p == PeriodHOLAS2 {
		return filepath.Join(in.dir, string(p), "AssessmentUnits.shp")
	}
	return filepath.Join(in.dir, string(p), helcomUnits)
}

// ConfigFile is the configuration table named which for period p.
func (in Inputs) ConfigFile(which string, p Period) (string, error) {
	switch which {
	case ConfigIndicators, ConfigIndicatorUnits, ConfigIndicatorUnitResults, ConfigUnitGridSize:
	default:
		return "", fmt.Errorf("unknown config file: %s", which)
	}
	name := fmt.Sprintf("Configuration%s_%s.csv", p, which)
	return filepath.Join(in.dir, adaptedInputs, string(p), name), nil
}

// GriddedUnits is the precomputed output of heat1 for period p.
func (in Inputs) GriddedUnits(p Period) string {
	return filepath.Join(in.dir, adaptedInputs, string(p), "units_gridded.shp")
}

// CleanedUnits is the precomputed cleaned unit shapefile for period p.
func (in Inputs) CleanedUnits(p Period) string {
	return filepath.Join(in.dir, adaptedInputs, string(p), "units_cleaned.shp")
}

// DefaultSamples is the station sample file of the given kind for period p.
func (in Inputs) DefaultSamples(kind string, p Period) (string, error) {
	switch kind {
	case SamplesBottle, SamplesCTD, SamplesPump:
	default:
		return "", fmt.Errorf("unknown sample kind: %s", kind)
	}
	// Each kind maps to its own file. Earlier deployments resolved CTD to
	// the pump file.
	name := fmt.Sprintf("StationSamples%s%s_%s.txt.gz", p, kind, samplesDate)
	return filepath.Join(in.dir, string(p), name), nil
}
