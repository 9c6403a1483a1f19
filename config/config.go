// Package config holds the startup configuration of a run: the physical
// address table, the vial and pump routing tables, and the control-loop
// parameters.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus       string          `yaml:"bus"` // i2c bus name, empty selects the first
	ADC       ADCConfig       `yaml:"adc"`
	Expander  ExpanderConfig  `yaml:"expander"`
	CapSensor CapSensorConfig `yaml:"cap_sensor"`
	Pins      PinConfig       `yaml:"pins"`
	Vials     []VialConfig    `yaml:"vials"`
	Pumps     []PumpConfig    `yaml:"pumps"`
	Run       RunConfig       `yaml:"run"`
	Log       LogConfig       `yaml:"log"`
}

// ADCConfig addresses the chip pair carrying the analog sensors.
type ADCConfig struct {
	Address1 uint16 `yaml:"address1"`
	Address2 uint16 `yaml:"address2"`
	Bits     int    `yaml:"bits"`
	Gain     int    `yaml:"gain"`
}

type ExpanderConfig struct {
	Address uint16 `yaml:"address"`
}

// CapSensorConfig addresses the shared capacitance chip and its two
// multiplexers. A zero Address means no level sensors are installed.
type CapSensorConfig struct {
	Address uint16 `yaml:"address"`
	Mux1    uint16 `yaml:"mux1"`
	Mux2    uint16 `yaml:"mux2"`
}

// PinConfig lists host GPIO numbers (BCM numbering).
type PinConfig struct {
	Light          int `yaml:"light"`
	WastePump      int `yaml:"waste_pump"`
	WasteDirection int `yaml:"waste_direction"`
}

// SensorRef points one vial sensor at an input channel.
type SensorRef struct {
	Kind    string `yaml:"kind"` // "analog" or "mux"
	Pair    int    `yaml:"pair"` // analog: chip pair index
	Mux     int    `yaml:"mux"`  // mux: multiplexer index
	Channel int    `yaml:"channel"`
}

type VialConfig struct {
	ID    int       `yaml:"id"`
	Role  string    `yaml:"role"` // "culture" or "phage"
	OD    SensorRef `yaml:"od"`
	Level SensorRef `yaml:"level"`
}

type PumpConfig struct {
	ID     int        `yaml:"id"`
	Pin    int        `yaml:"pin"`
	Input  PortConfig `yaml:"input"`
	Output PortConfig `yaml:"output"`
}

type PortConfig struct {
	Type   string `yaml:"type"` // "media", "culture" or "phage"
	Number int    `yaml:"number"`
}

// RunConfig carries the control-loop parameters.
type RunConfig struct {
	TargetOD        float64 `yaml:"target_od"`
	CultureVolumeML float64 `yaml:"culture_volume_ml"`
	CycleTimeS      float64 `yaml:"cycle_time_s"`
	TotalTimeS      float64 `yaml:"total_time_s"`
	MixTimeS        float64 `yaml:"mix_time_s"`
	SettleTimeS     float64 `yaml:"settle_time_s"`
	FeedFactor      float64 `yaml:"feed_factor"`
	WasteFactor     float64 `yaml:"waste_factor"`
	MaxDrawML       float64 `yaml:"max_draw_ml"`
	MaxFeedML       float64 `yaml:"max_feed_ml"`
	Samples         int     `yaml:"samples"`
	SampleLagMS     float64 `yaml:"sample_lag_ms"`
	HistoryWindow   int     `yaml:"history_window"`
	TopVolumeML     float64 `yaml:"top_volume_ml"`
}

type LogConfig struct {
	Directory string `yaml:"directory"`
}

// Load reads, normalizes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
