package config

// Normalize fills in defaults for everything the file left unset. The
// values match how the rig has always been run.
func Normalize(cfg *Config) {
	if cfg.ADC.Address1 == 0 {
		cfg.ADC.Address1 = 0x68
	}
	if cfg.ADC.Address2 == 0 {
		cfg.ADC.Address2 = 0x69
	}
	if cfg.ADC.Bits == 0 {
		cfg.ADC.Bits = 14
	}
	if cfg.ADC.Gain == 0 {
		cfg.ADC.Gain = 1
	}
	if cfg.Expander.Address == 0 {
		cfg.Expander.Address = 0x20
	}
	if cfg.Pins.Light == 0 {
		cfg.Pins.Light = 21
	}
	if cfg.Pins.WastePump == 0 {
		cfg.Pins.WastePump = 20
	}
	if cfg.Pins.WasteDirection == 0 {
		cfg.Pins.WasteDirection = 16
	}

	r := &cfg.Run
	if r.TargetOD == 0 {
		r.TargetOD = 0.3
	}
	if r.CultureVolumeML == 0 {
		r.CultureVolumeML = 20
	}
	if r.CycleTimeS == 0 {
		r.CycleTimeS = 120
	}
	if r.TotalTimeS == 0 {
		r.TotalTimeS = 15 * 24 * 3600
	}
	if r.MixTimeS == 0 {
		r.MixTimeS = 5
	}
	if r.SettleTimeS == 0 {
		r.SettleTimeS = 100
	}
	if r.FeedFactor == 0 {
		r.FeedFactor = 0.8
	}
	if r.WasteFactor == 0 {
		r.WasteFactor = 2
	}
	if r.MaxDrawML == 0 {
		r.MaxDrawML = 10
	}
	if r.MaxFeedML == 0 {
		r.MaxFeedML = 3
	}
	if r.Samples == 0 {
		r.Samples = 10
	}
	if r.SampleLagMS == 0 {
		r.SampleLagMS = 20
	}
	if r.HistoryWindow == 0 {
		r.HistoryWindow = 5
	}
	if r.TopVolumeML == 0 {
		r.TopVolumeML = 1
	}

	if cfg.Log.Directory == "" {
		cfg.Log.Directory = "runs"
	}
}
