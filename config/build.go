package config

import "morbidostat/core"

// roleOf maps the config spelling to the registry role.
func roleOf(s string) core.Role {
	switch s {
	case "media":
		return core.RoleMedia
	case "culture":
		return core.RoleCulture
	default:
		return core.RolePhage
	}
}

func buildSensor(ref SensorRef) (core.SensorAddress, error) {
	if ref.Kind == "mux" {
		return core.NewMuxAddress(ref.Mux, ref.Channel)
	}
	return core.NewAnalogAddress(ref.Pair, ref.Channel)
}

// BuildRegistry turns the vial and pump tables into a device registry.
func BuildRegistry(cfg *Config) (*core.Registry, error) {
	var vials []core.Vial
	for _, vc := range cfg.Vials {
		od, err := buildSensor(vc.OD)
		if err != nil {
			return nil, err
		}
		level, err := buildSensor(vc.Level)
		if err != nil {
			return nil, err
		}
		vials = append(vials, core.Vial{
			ID:    vc.ID,
			Role:  roleOf(vc.Role),
			OD:    od,
			Level: level,
		})
	}
	var pumps []core.Pump
	for _, pc := range cfg.Pumps {
		pumps = append(pumps, core.Pump{
			ID:  pc.ID,
			Pin: pc.Pin,
			Input: core.Port{
				Type:   roleOf(pc.Input.Type),
				Number: pc.Input.Number,
			},
			Output: core.Port{
				Type:   roleOf(pc.Output.Type),
				Number: pc.Output.Number,
			},
		})
	}
	return core.NewRegistry(vials, pumps)
}
