package experiment

import (
	"log"
	"math"
	"time"

	"morbidostat/core"
)

// Maintenance sequences reuse the run primitives to flush, empty, fill
// and top up the rig between experiments. They track levels only, not
// ODs.

const maintenanceMix = 10 * time.Second

// CleaningCycle pushes volume mL of cleaning fluid through every
// culture, forwards a share to the phage vials, and draws the waste back
// out. Injections are capped at the tubing's 25 mL working volume.
func (m *Morbidostat) CleaningCycle(volume float64) error {
	cultures := m.reg.Cultures()
	volumes := make([]float64, len(cultures))
	for i := 1; i <= len(cultures); i++ {
		pump, err := m.reg.PumpFor(
			core.Port{Type: core.RoleMedia, Number: 1},
			core.Port{Type: core.RoleCulture, Number: i},
		)
		if err != nil {
			return err
		}
		if err := m.rig.InjectVolume(pump.ID, volume, 25, false); err != nil {
			return err
		}
		volumes[i-1] = math.Min(volume, 25)
	}
	if err := m.rig.ExecutePumping(); err != nil {
		return err
	}
	m.rig.WaitMix(maintenanceMix)
	if err := m.recordLevels(); err != nil {
		return err
	}

	feedVolumes := make([]float64, len(cultures))
	for i := range feedVolumes {
		feedVolumes[i] = math.Min(3, 0.75*volumes[i])
	}
	if err := m.feed(feedVolumes, 1); err != nil {
		return err
	}
	m.rig.WaitMix(maintenanceMix)
	if err := m.recordLevels(); err != nil {
		return err
	}

	// Draw back twice what went in, uncapped: unlike the experiment
	// cycle there is no culture to protect, only fluid to get out.
	if err := m.rig.RemoveWaste(math.Min(volume, 25) * 2); err != nil {
		return err
	}
	m.rig.WaitMix(maintenanceMix)
	return m.recordLevels()
}

// CleaningSequence runs n cleaning cycles with a soak between them,
// starting with a full 25 mL flush, and finishes by emptying every vial.
func (m *Morbidostat) CleaningSequence(n int, volume float64, soak time.Duration) error {
	for i := 0; i < n; i++ {
		v := volume
		if i == 0 {
			v = 25
		}
		log.Printf("cleaning cycle %d of %d, %.1f mL", i+1, n, v)
		if err := m.CleaningCycle(v); err != nil {
			return err
		}
		if err := m.Flush(); err != nil {
			return err
		}
		m.clk.Sleep(soak)
	}
	return m.EmptyCultures()
}

// EmptyCultures drains the rig: repeated rounds of forwarding to the
// phage vials and oversized waste draws until every vial runs dry.
func (m *Morbidostat) EmptyCultures() error {
	cultures := m.reg.Cultures()
	feedVolumes := make([]float64, len(cultures))
	for i := range cultures {
		feedVolumes[i] = 3
	}
	for round := 0; round < 5; round++ {
		log.Printf("emptying, round %d of 5", round+1)
		if err := m.feed(feedVolumes, m.p.FeedFactor); err != nil {
			return err
		}
		if err := m.recordLevels(); err != nil {
			return err
		}
		m.rig.WaitMix(maintenanceMix)
		if err := m.rig.RemoveWaste(10); err != nil {
			return err
		}
		if err := m.recordLevels(); err != nil {
			return err
		}
	}
	return m.Flush()
}

// FillVials primes an empty rig with media: repeated injections into the
// cultures with forwarding and waste draws, so the tubing and every vial
// end up wetted at working volume.
func (m *Morbidostat) FillVials() error {
	cultures := m.reg.Cultures()
	feedVolumes := make([]float64, len(cultures))
	for i := range feedVolumes {
		feedVolumes[i] = 3
	}
	for round := 0; round < 5; round++ {
		log.Printf("filling, round %d of 5", round+1)
		for i := 1; i <= len(cultures); i++ {
			pump, err := m.reg.PumpFor(
				core.Port{Type: core.RoleMedia, Number: 1},
				core.Port{Type: core.RoleCulture, Number: i},
			)
			if err != nil {
				return err
			}
			if err := m.rig.InjectVolume(pump.ID, 10, 0, false); err != nil {
				return err
			}
		}
		if err := m.rig.ExecutePumping(); err != nil {
			return err
		}
		m.rig.WaitMix(maintenanceMix)
		if err := m.feed(feedVolumes, m.p.FeedFactor); err != nil {
			return err
		}
		if err := m.rig.RemoveWaste(20); err != nil {
			return err
		}
		if err := m.recordLevels(); err != nil {
			return err
		}
	}
	return m.Flush()
}

// TopLowCultures tops up any culture whose recent recorded ODs never
// reached the target, on the reading that a flat-low history means the
// vial lost volume rather than growth. One fixed injection per stalled
// vial, executed behind a single barrier.
func (m *Morbidostat) TopLowCultures() error {
	cultures := m.reg.Cultures()
	queued := false
	for i, v := range cultures {
		h := m.history[v.ID]
		if len(h) == 0 {
			continue
		}
		peak := h[0]
		for _, od := range h {
			if od > peak {
				peak = od
			}
		}
		if peak >= m.p.TargetOD {
			continue
		}
		pump, err := m.reg.PumpFor(
			core.Port{Type: core.RoleMedia, Number: 1},
			core.Port{Type: core.RoleCulture, Number: i + 1},
		)
		if err != nil {
			return err
		}
		log.Printf("vial %d stalled (peak OD %.3f), topping up %.1f mL", v.ID, peak, m.p.TopVolume)
		if err := m.rig.InjectVolume(pump.ID, m.p.TopVolume, 0, false); err != nil {
			return err
		}
		queued = true
	}
	if !queued {
		return nil
	}
	return m.rig.ExecutePumping()
}
