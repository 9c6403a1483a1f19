// Package experiment drives the morbidostat run: the sense, decide, act
// cycle holding every culture near its target density, the phage-feed
// routing, and the maintenance sequences built from the same primitives.
package experiment

import (
	"context"
	"fmt"
	"log"
	"time"

	"morbidostat/core"
	"morbidostat/runlog"
)

// Params are the control-loop settings for a run.
type Params struct {
	TargetOD      float64
	CultureVolume float64 // mL held in each culture vial
	FeedFactor    float64 // culture to phage transfer factor
	WasteFactor   float64 // waste overdraw factor
	MaxDraw       float64 // mL cap on a single waste draw
	MaxFeed       float64 // mL cap on a single phage injection
	TopVolume     float64 // mL injected by stall recovery
	MixTime       time.Duration
	SettleTime    time.Duration // light warm-up before the first cycle
	CycleTime     time.Duration
	TotalTime     time.Duration
	SampleLag     time.Duration
	Samples       int
	HistoryWindow int // recorded states inspected by stall recovery
}

// Morbidostat runs the experiment cycle over a rig.
type Morbidostat struct {
	rig *core.Rig
	reg *core.Registry
	clk core.Clock
	p   Params

	odLog    runlog.Appender
	levelLog runlog.Appender
	odBuf    []runlog.Record
	levelBuf []runlog.Record

	// history holds recent recorded ODs per culture vial id, newest
	// last, trimmed to the stall-recovery window.
	history map[int][]float64

	start time.Time
}

// New assembles a run. The rig must already be constructed (and thereby
// forced into its safe state).
func New(rig *core.Rig, odLog, levelLog runlog.Appender, p Params) *Morbidostat {
	return &Morbidostat{
		rig:      rig,
		reg:      rig.Registry(),
		clk:      rig.Clock(),
		p:        p,
		odLog:    odLog,
		levelLog: levelLog,
		history:  make(map[int][]float64),
	}
}

func (m *Morbidostat) elapsed() time.Duration {
	return m.clk.Now().Sub(m.start)
}

// Run executes cycles until the configured total run time has elapsed or
// ctx is cancelled. Any error from the layers below aborts the run; the
// rig is forced to its safe state on the way out, error or not.
func (m *Morbidostat) Run(ctx context.Context) (err error) {
	m.start = m.clk.Now()
	log.Printf("starting experiment: %d cultures, %d phage vials, target OD %.3f",
		len(m.reg.Cultures()), len(m.reg.Phages()), m.p.TargetOD)

	defer func() {
		if offErr := m.rig.TurnOff(); offErr != nil && err == nil {
			err = offErr
		}
	}()

	if err := m.rig.SwitchLight(true); err != nil {
		return err
	}
	m.clk.Sleep(m.p.SettleTime)

	for m.elapsed() < m.p.TotalTime {
		if ctx.Err() != nil {
			log.Printf("experiment cancelled after %v", m.elapsed())
			return ctx.Err()
		}
		log.Printf("cycle at %v (%.1f%% of run)", m.elapsed(),
			100*float64(m.elapsed())/float64(m.p.TotalTime))
		if err := m.Cycle(); err != nil {
			return err
		}
		if err := m.Flush(); err != nil {
			return err
		}
		m.clk.Sleep(m.p.CycleTime)
	}
	log.Printf("experiment finished after %v", m.elapsed())
	return m.rig.SwitchLight(false)
}

// Cycle runs one pass of the state machine: record, dilute, mix, record,
// feed phages, mix, record, remove waste, mix, record.
func (m *Morbidostat) Cycle() error {
	if err := m.RecordState(); err != nil {
		return err
	}
	volumes, err := m.Dilute()
	if err != nil {
		return err
	}
	m.rig.WaitMix(m.p.MixTime)

	if err := m.RecordState(); err != nil {
		return err
	}
	if err := m.FeedPhages(volumes); err != nil {
		return err
	}
	m.rig.WaitMix(m.p.MixTime)

	if err := m.RecordState(); err != nil {
		return err
	}
	if err := m.RemoveWaste(volumes); err != nil {
		return err
	}
	m.rig.WaitMix(m.p.MixTime)

	return m.RecordState()
}

// RecordState measures OD and level (or weight) for every tracked vial
// and appends one row to each record buffer.
func (m *Morbidostat) RecordState() error {
	now := m.clk.Now()
	vials := append(m.reg.Cultures(), m.reg.Phages()...)

	ods := make([]float64, 0, len(vials))
	levels := make([]float64, 0, len(vials))
	for _, v := range vials {
		od, err := m.rig.MeasureOD(v.ID, m.p.SampleLag, m.p.Samples)
		if err != nil {
			return err
		}
		ods = append(ods, od)
		level, err := m.measureLevelOrWeight(v)
		if err != nil {
			return err
		}
		levels = append(levels, level)
		if v.Role == core.RoleCulture {
			m.remember(v.ID, od)
		}
	}
	m.odBuf = append(m.odBuf, runlog.Record{Time: now, Values: ods})
	m.levelBuf = append(m.levelBuf, runlog.Record{Time: now, Values: levels})
	return nil
}

func (m *Morbidostat) measureLevelOrWeight(v core.Vial) (float64, error) {
	if _, ok := v.Level.(core.MuxAddress); ok {
		return m.rig.MeasureLevel(v.ID, m.p.SampleLag, m.p.Samples)
	}
	return m.rig.MeasureWeight(v.ID, m.p.SampleLag, m.p.Samples)
}

func (m *Morbidostat) remember(vial int, od float64) {
	h := append(m.history[vial], od)
	if len(h) > m.p.HistoryWindow {
		h = h[len(h)-m.p.HistoryWindow:]
	}
	m.history[vial] = h
}

// recordLevels appends a level-only row, used by the maintenance
// sequences which do not track ODs.
func (m *Morbidostat) recordLevels() error {
	now := m.clk.Now()
	vials := append(m.reg.Cultures(), m.reg.Phages()...)
	levels := make([]float64, 0, len(vials))
	for _, v := range vials {
		level, err := m.measureLevelOrWeight(v)
		if err != nil {
			return err
		}
		levels = append(levels, level)
	}
	m.levelBuf = append(m.levelBuf, runlog.Record{Time: now, Values: levels})
	return nil
}

// Flush appends the buffered records to the run logs and clears the
// buffers so they do not grow over a multi-day run.
func (m *Morbidostat) Flush() error {
	if err := m.odLog.Append(m.odBuf); err != nil {
		return err
	}
	m.odBuf = m.odBuf[:0]
	if err := m.levelLog.Append(m.levelBuf); err != nil {
		return err
	}
	m.levelBuf = m.levelBuf[:0]
	return nil
}

// Dilute measures every culture and, where the density exceeds the
// target, queues a media injection sized to bring it back down. All
// injections are submitted before a single barrier execution. Returns
// the per-culture volumes added.
func (m *Morbidostat) Dilute() ([]float64, error) {
	cultures := m.reg.Cultures()
	volumes := make([]float64, len(cultures))
	for i := range cultures {
		v, err := m.MaintainCulture(i + 1)
		if err != nil {
			return nil, err
		}
		volumes[i] = v
	}
	return volumes, m.rig.ExecutePumping()
}

// MaintainCulture checks one culture (by routing number, 1-based)
// against the target OD and queues the dilution that would bring it back
// to target. Returns the volume queued, 0 when the culture is below
// target.
func (m *Morbidostat) MaintainCulture(culture int) (float64, error) {
	cultures := m.reg.Cultures()
	if culture < 1 || culture > len(cultures) {
		return 0, fmt.Errorf("experiment: culture %d out of range 1 to %d", culture, len(cultures))
	}
	vial := cultures[culture-1]
	od, err := m.rig.MeasureOD(vial.ID, m.p.SampleLag, m.p.Samples)
	if err != nil {
		return 0, err
	}
	if od <= m.p.TargetOD {
		log.Printf("vial %d OD %.3f below target %.3f", vial.ID, od, m.p.TargetOD)
		return 0, nil
	}
	dilutionRatio := od / m.p.TargetOD
	volume := (dilutionRatio - 1) * m.p.CultureVolume
	pump, err := m.reg.PumpFor(
		core.Port{Type: core.RoleMedia, Number: 1},
		core.Port{Type: core.RoleCulture, Number: culture},
	)
	if err != nil {
		return 0, err
	}
	log.Printf("vial %d OD %.3f above target %.3f, pumping %.3f mL via pump %d",
		vial.ID, od, m.p.TargetOD, volume, pump.ID)
	return volume, m.rig.InjectVolume(pump.ID, volume, 0, false)
}

// FeedPhages routes a fraction of each culture's dilution volume to the
// phage vials it feeds, splitting equally when one culture feeds several,
// then executes all injections behind one barrier.
func (m *Morbidostat) FeedPhages(volumes []float64) error {
	return m.feed(volumes, m.p.FeedFactor)
}

func (m *Morbidostat) feed(volumes []float64, factor float64) error {
	cultures := m.reg.Cultures()
	for i := range cultures {
		if i >= len(volumes) {
			break
		}
		pumps := m.phagePumps(i + 1)
		if len(pumps) == 0 {
			continue
		}
		share := volumes[i] * factor / float64(len(pumps))
		for _, p := range pumps {
			if err := m.rig.InjectVolume(p.ID, share, m.p.MaxFeed, false); err != nil {
				return err
			}
		}
	}
	return m.rig.ExecutePumping()
}

// phagePumps lists the pumps routing the culture (by routing number) to
// phage vials.
func (m *Morbidostat) phagePumps(culture int) []core.Pump {
	var out []core.Pump
	in := core.Port{Type: core.RoleCulture, Number: culture}
	for _, p := range m.reg.PumpsFrom(in) {
		if p.Output.Type == core.RolePhage {
			out = append(out, p)
		}
	}
	return out
}

// RemoveWaste draws out the largest volume added this cycle, capped at
// MaxDraw, scaled by the overall safety factor: always remove more than
// was pumped in.
func (m *Morbidostat) RemoveWaste(volumes []float64) error {
	var max float64
	for _, v := range volumes {
		if v > max {
			max = v
		}
	}
	if max > m.p.MaxDraw {
		max = m.p.MaxDraw
	}
	return m.rig.RemoveWaste(max * m.p.WasteFactor)
}
