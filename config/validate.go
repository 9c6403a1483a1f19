package config

import "fmt"

// Validate checks the structural constraints the builders rely on. Range
// checks on addresses and channels are repeated by the drivers at
// construction; this catches the mistakes a hand-edited file invites.
func Validate(cfg *Config) error {
	if cfg.ADC.Address1 == cfg.ADC.Address2 {
		return fmt.Errorf("config: adc chips share address %#02x", cfg.ADC.Address1)
	}
	switch cfg.ADC.Bits {
	case 12, 14, 16, 18:
	default:
		return fmt.Errorf("config: adc bits %d not one of 12, 14, 16, 18", cfg.ADC.Bits)
	}
	switch cfg.ADC.Gain {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("config: adc gain %d not one of 1, 2, 4, 8", cfg.ADC.Gain)
	}

	if len(cfg.Vials) == 0 {
		return fmt.Errorf("config: no vials declared")
	}
	if len(cfg.Pumps) == 0 {
		return fmt.Errorf("config: no pumps declared")
	}

	needsMux := false
	for _, v := range cfg.Vials {
		if v.Role != "culture" && v.Role != "phage" {
			return fmt.Errorf("config: vial %d role %q is not culture or phage", v.ID, v.Role)
		}
		for _, s := range []struct {
			name string
			ref  SensorRef
		}{{"od", v.OD}, {"level", v.Level}} {
			switch s.ref.Kind {
			case "analog":
			case "mux":
				needsMux = true
			default:
				return fmt.Errorf("config: vial %d %s sensor kind %q is not analog or mux", v.ID, s.name, s.ref.Kind)
			}
		}
	}
	if needsMux && cfg.CapSensor.Address == 0 {
		return fmt.Errorf("config: vials use mux sensors but no cap_sensor is declared")
	}

	for _, p := range cfg.Pumps {
		for _, port := range []PortConfig{p.Input, p.Output} {
			switch port.Type {
			case "media", "culture", "phage":
			default:
				return fmt.Errorf("config: pump %d port type %q is not media, culture or phage", p.ID, port.Type)
			}
		}
	}

	pins := map[int]bool{
		cfg.Pins.Light:          true,
		cfg.Pins.WastePump:      true,
		cfg.Pins.WasteDirection: true,
	}
	if len(pins) != 3 {
		return fmt.Errorf("config: light, waste pump and waste direction must use distinct gpio pins")
	}

	r := cfg.Run
	for _, c := range []struct {
		name  string
		value float64
	}{
		{"target_od", r.TargetOD},
		{"culture_volume_ml", r.CultureVolumeML},
		{"cycle_time_s", r.CycleTimeS},
		{"total_time_s", r.TotalTimeS},
		{"feed_factor", r.FeedFactor},
		{"waste_factor", r.WasteFactor},
		{"max_draw_ml", r.MaxDrawML},
		{"max_feed_ml", r.MaxFeedML},
		{"sample_lag_ms", r.SampleLagMS},
		{"top_volume_ml", r.TopVolumeML},
	} {
		if c.value <= 0 {
			return fmt.Errorf("config: run %s must be positive", c.name)
		}
	}
	if r.Samples <= 0 {
		return fmt.Errorf("config: run samples must be positive")
	}
	if r.HistoryWindow <= 0 {
		return fmt.Errorf("config: run history_window must be positive")
	}
	return nil
}
