// Package calibration loads the per-channel linear fits that convert raw
// electrical readings into physical quantities, and the pump rates that
// convert volumes into run durations. The table is produced by the
// calibration tooling as YAML with text-typed values; it is loaded once
// at startup and immutable afterwards.
package calibration

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MissingError reports a vial or pump without a calibration entry. Fatal:
// running uncalibrated hardware would silently corrupt a whole run.
type MissingError struct {
	Section string
	Key     string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("calibration: no %s entry for %s", e.Section, e.Key)
}

// Line is a linear fit raw = physical*Slope + Intercept.
type Line struct {
	Slope     float64
	Intercept float64
}

// Physical inverts the fit: physical = (raw - intercept) / slope.
func (l Line) Physical(raw float64) float64 {
	return (raw - l.Intercept) / l.Slope
}

// Raw applies the fit forward: raw = physical*slope + intercept.
func (l Line) Raw(physical float64) float64 {
	return physical*l.Slope + l.Intercept
}

// Table is the loaded calibration store.
type Table struct {
	od        map[int]Line
	weight    map[int]Line
	level     map[int]Line
	pumpRate  map[int]float64 // mL per second
	wasteRate float64
}

type rawValue struct {
	Value string `yaml:"value"`
	Units string `yaml:"units"`
}

type rawFit map[string]rawValue

type rawFile struct {
	OD        map[string]rawFit `yaml:"OD"`
	WS        map[string]rawFit `yaml:"WS"`
	LS        map[string]rawFit `yaml:"LS"`
	Pumps     map[string]rawFit `yaml:"pumps"`
	WastePump rawFit            `yaml:"waste_pump"`
}

// Load reads and parses a calibration file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Table from calibration YAML. Values are stored as text
// in the file and parsed to floating point here. A zero slope or
// non-positive pump rate is rejected: both are divided by later.
func Parse(data []byte) (*Table, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	t := &Table{
		od:       make(map[int]Line),
		weight:   make(map[int]Line),
		level:    make(map[int]Line),
		pumpRate: make(map[int]float64),
	}
	sections := []struct {
		name    string
		entries map[string]rawFit
		keyword string
		dest    map[int]Line
	}{
		{"OD", raw.OD, "vial", t.od},
		{"WS", raw.WS, "vial", t.weight},
		{"LS", raw.LS, "vial", t.level},
	}
	for _, s := range sections {
		for key, fit := range s.entries {
			id, err := parseKey(key, s.keyword)
			if err != nil {
				return nil, fmt.Errorf("calibration: section %s: %w", s.name, err)
			}
			line, err := parseLine(fit)
			if err != nil {
				return nil, fmt.Errorf("calibration: %s %s: %w", s.name, key, err)
			}
			s.dest[id] = line
		}
	}
	for key, fit := range raw.Pumps {
		id, err := parseKey(key, "pump")
		if err != nil {
			return nil, fmt.Errorf("calibration: section pumps: %w", err)
		}
		rate, err := parseRate(fit)
		if err != nil {
			return nil, fmt.Errorf("calibration: %s: %w", key, err)
		}
		t.pumpRate[id] = rate
	}
	if raw.WastePump != nil {
		rate, err := parseRate(raw.WastePump)
		if err != nil {
			return nil, fmt.Errorf("calibration: waste_pump: %w", err)
		}
		t.wasteRate = rate
	}
	return t, nil
}

// parseKey extracts N from keys of the form "vial N" or "pump N".
func parseKey(key, keyword string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(key, keyword+" %d", &id); err != nil {
		return 0, fmt.Errorf("key %q does not match %q", key, keyword+" N")
	}
	return id, nil
}

func parseLine(fit rawFit) (Line, error) {
	slope, err := parseValue(fit, "slope")
	if err != nil {
		return Line{}, err
	}
	intercept, err := parseValue(fit, "intercept")
	if err != nil {
		return Line{}, err
	}
	if slope == 0 {
		return Line{}, fmt.Errorf("slope is zero")
	}
	return Line{Slope: slope, Intercept: intercept}, nil
}

func parseRate(fit rawFit) (float64, error) {
	rate, err := parseValue(fit, "rate")
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, fmt.Errorf("rate %v is not positive", rate)
	}
	return rate, nil
}

func parseValue(fit rawFit, name string) (float64, error) {
	v, ok := fit[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s value %q: %w", name, v.Value, err)
	}
	return f, nil
}

// OD converts a phototransistor voltage for the vial to optical density.
func (t *Table) OD(vial int, voltage float64) (float64, error) {
	line, ok := t.od[vial]
	if !ok {
		return 0, &MissingError{Section: "OD", Key: fmt.Sprintf("vial %d", vial)}
	}
	return line.Physical(voltage), nil
}

// Weight converts a weight-sensor voltage for the vial to grams.
func (t *Table) Weight(vial int, voltage float64) (float64, error) {
	line, ok := t.weight[vial]
	if !ok {
		return 0, &MissingError{Section: "WS", Key: fmt.Sprintf("vial %d", vial)}
	}
	return line.Physical(voltage), nil
}

// Level converts a level-sensor capacitance for the vial to milliliters.
func (t *Table) Level(vial int, cap float64) (float64, error) {
	line, ok := t.level[vial]
	if !ok {
		return 0, &MissingError{Section: "LS", Key: fmt.Sprintf("vial %d", vial)}
	}
	return line.Physical(cap), nil
}

// ODLine exposes the fit for a vial, for forward conversions.
func (t *Table) ODLine(vial int) (Line, error) {
	line, ok := t.od[vial]
	if !ok {
		return Line{}, &MissingError{Section: "OD", Key: fmt.Sprintf("vial %d", vial)}
	}
	return line, nil
}

// PumpRate returns the calibrated flow rate of a pump in mL/s.
func (t *Table) PumpRate(pump int) (float64, error) {
	rate, ok := t.pumpRate[pump]
	if !ok {
		return 0, &MissingError{Section: "pumps", Key: fmt.Sprintf("pump %d", pump)}
	}
	return rate, nil
}

// PumpDuration converts a volume to the time the pump must run for it.
func (t *Table) PumpDuration(pump int, volume float64) (time.Duration, error) {
	rate, err := t.PumpRate(pump)
	if err != nil {
		return 0, err
	}
	return time.Duration(volume / rate * float64(time.Second)), nil
}

// WasteRate returns the calibrated flow rate of the waste pump in mL/s.
func (t *Table) WasteRate() (float64, error) {
	if t.wasteRate == 0 {
		return 0, &MissingError{Section: "waste_pump", Key: "rate"}
	}
	return t.wasteRate, nil
}

// WasteDuration converts a volume to a waste-pump run time.
func (t *Table) WasteDuration(volume float64) (time.Duration, error) {
	rate, err := t.WasteRate()
	if err != nil {
		return 0, err
	}
	return time.Duration(volume / rate * float64(time.Second)), nil
}
