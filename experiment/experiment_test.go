package experiment_test

import (
	"context"
	"math"
	"testing"
	"time"

	"morbidostat/calibration"
	"morbidostat/core"
	"morbidostat/experiment"
	"morbidostat/runlog"
	"morbidostat/testutil"
)

const (
	expAddr  = core.Addr(0x20)
	adcAddr1 = core.Addr(0x68)
	adcAddr2 = core.Addr(0x69)
	capAddr  = core.Addr(0x48)
	muxAddr1 = core.Addr(0x70)
	muxAddr2 = core.Addr(0x71)

	regGPIOA = 0x12
)

// Volts per count at 14 bits, gain 1. OD fits below use slope 1 and
// intercept 1.2355 - target, so a raw count of 2000 reads as exactly
// that vial's chosen OD.
const voltsPerCount = 0.000125 / 0.5 * 2.471

const calYAML = `
OD:
  vial 1:
    slope: {value: "1", units: "V"}
    intercept: {value: "0.6355", units: "V"}
  vial 2:
    slope: {value: "1", units: "V"}
    intercept: {value: "0.6355", units: "V"}
  vial 3:
    slope: {value: "1", units: "V"}
    intercept: {value: "0.6355", units: "V"}
  vial 4:
    slope: {value: "1", units: "V"}
    intercept: {value: "0.6355", units: "V"}
LS:
  vial 1:
    slope: {value: "1", units: "pF/mL"}
    intercept: {value: "0", units: "pF"}
  vial 2:
    slope: {value: "1", units: "pF/mL"}
    intercept: {value: "0", units: "pF"}
  vial 3:
    slope: {value: "1", units: "pF/mL"}
    intercept: {value: "0", units: "pF"}
  vial 4:
    slope: {value: "1", units: "pF/mL"}
    intercept: {value: "0", units: "pF"}
pumps:
  pump 1:
    rate: {value: "0.5", units: "mL/s"}
  pump 2:
    rate: {value: "0.5", units: "mL/s"}
  pump 3:
    rate: {value: "0.5", units: "mL/s"}
  pump 4:
    rate: {value: "0.7", units: "mL/s"}
  pump 5:
    rate: {value: "0.5", units: "mL/s"}
waste_pump:
  rate: {value: "0.5", units: "mL/s"}
`

type memLog struct {
	records []runlog.Record
}

func (m *memLog) Append(records []runlog.Record) error {
	m.records = append(m.records, records...)
	return nil
}

type fixture struct {
	m      *experiment.Morbidostat
	rig    *core.Rig
	bus    *testutil.FakeBus
	clk    *testutil.Clock
	events *testutil.EventLog
	ods    *memLog
	levels *memLog
	raws   map[int]int
}

func defaultParams() experiment.Params {
	return experiment.Params{
		TargetOD:      0.3,
		CultureVolume: 20,
		FeedFactor:    0.7,
		WasteFactor:   2,
		MaxDraw:       10,
		MaxFeed:       3,
		TopVolume:     1,
		MixTime:       time.Second,
		SettleTime:    10 * time.Second,
		CycleTime:     100 * time.Second,
		TotalTime:     300 * time.Second,
		SampleLag:     0,
		Samples:       1,
		HistoryWindow: 5,
	}
}

func newFixture(t *testing.T, clk *testutil.Clock, p experiment.Params) *fixture {
	t.Helper()
	f := &fixture{
		bus:    testutil.NewFakeBus(),
		clk:    clk,
		events: &testutil.EventLog{},
		ods:    &memLog{},
		levels: &memLog{},
		raws:   make(map[int]int),
	}
	f.bus.BlockFn = func(addr core.Addr, cmd byte, buf []byte) error {
		ch := int(cmd>>5&0x03) + 1
		if addr == adcAddr2 {
			ch += 4
		}
		copy(buf, testutil.ADCBlock(14, f.raws[ch], false))
		return nil
	}
	// Level electrodes read the zero point unless a test changes them.
	f.bus.SetReg(capAddr, 0x01, 48)
	f.bus.SetReg(capAddr, 0x02, 0)
	f.bus.SetReg(capAddr, 0x11, 192)

	cal, err := calibration.Parse([]byte(calYAML))
	if err != nil {
		t.Fatalf("calibration.Parse: %v", err)
	}
	mux := func(m, ch int) core.MuxAddress {
		a, err := core.NewMuxAddress(m, ch)
		if err != nil {
			t.Fatalf("NewMuxAddress: %v", err)
		}
		return a
	}
	analog := func(ch int) core.AnalogAddress {
		a, err := core.NewAnalogAddress(1, ch)
		if err != nil {
			t.Fatalf("NewAnalogAddress: %v", err)
		}
		return a
	}
	media := core.Port{Type: core.RoleMedia, Number: 1}
	culture := func(n int) core.Port { return core.Port{Type: core.RoleCulture, Number: n} }
	phage := func(n int) core.Port { return core.Port{Type: core.RolePhage, Number: n} }
	reg, err := core.NewRegistry([]core.Vial{
		{ID: 1, Role: core.RoleCulture, OD: analog(1), Level: mux(1, 1)},
		{ID: 2, Role: core.RoleCulture, OD: analog(2), Level: mux(1, 2)},
		{ID: 3, Role: core.RolePhage, OD: analog(3), Level: mux(2, 1)},
		{ID: 4, Role: core.RolePhage, OD: analog(4), Level: mux(2, 2)},
	}, []core.Pump{
		{ID: 1, Pin: 1, Input: media, Output: culture(1)},
		{ID: 2, Pin: 2, Input: media, Output: culture(2)},
		{ID: 3, Pin: 3, Input: culture(1), Output: phage(1)},
		{ID: 4, Pin: 4, Input: culture(1), Output: phage(2)},
		{ID: 5, Pin: 5, Input: culture(2), Output: phage(2)},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	exp, err := core.NewExpander(f.bus, expAddr, true)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	adc, err := core.NewADCPair(f.bus, f.clk, adcAddr1, adcAddr2, 14)
	if err != nil {
		t.Fatalf("NewADCPair: %v", err)
	}
	caps, err := core.NewCapMux(f.bus, capAddr, muxAddr1, muxAddr2)
	if err != nil {
		t.Fatalf("NewCapMux: %v", err)
	}
	f.rig, err = core.NewRig(core.RigParams{
		Registry:    reg,
		Expander:    exp,
		ADC:         adc,
		CapMux:      caps,
		Calibration: cal,
		Clock:       f.clk,
		Light:       testutil.NewPin("light", f.events),
		WastePump:   testutil.NewPin("waste-pump", f.events),
		WasteDir:    testutil.NewPin("waste-direction", f.events),
	})
	if err != nil {
		t.Fatalf("NewRig: %v", err)
	}
	f.m = experiment.New(f.rig, f.ods, f.levels, p)
	f.events.Reset()
	f.bus.ResetOps()
	return f
}

// setOD points a vial's phototransistor at the raw count reading as od.
// The OD fits in the fixture make count 2000 read as od + offset zero.
func (f *fixture) setOD(channel int, od float64) {
	// od = raw*voltsPerCount - 0.6355, so raw = (od + 0.6355)/voltsPerCount.
	f.raws[channel] = int(math.Round((od + 0.6355) / voltsPerCount))
}

func TestMaintainCultureDilutesAboveTarget(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	f.raws[1] = 2000 // reads as OD 0.6 exactly

	// At double the target density, restoring the target means doubling
	// the volume: a 20 mL culture gets 20 mL of fresh media.
	vol, err := f.m.MaintainCulture(1)
	if err != nil {
		t.Fatalf("MaintainCulture: %v", err)
	}
	if math.Abs(vol-20) > 1e-9 {
		t.Errorf("dilution volume = %v, want 20", vol)
	}

	start := f.clk.Now()
	if err := f.rig.ExecutePumping(); err != nil {
		t.Fatalf("ExecutePumping: %v", err)
	}
	// 20 mL through pump 1 at 0.5 mL/s.
	if elapsed := f.clk.Now().Sub(start); math.Abs(elapsed.Seconds()-40) > 1e-6 {
		t.Errorf("pump ran %v, want 40s", elapsed)
	}
}

func TestMaintainCultureBelowTargetDoesNothing(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	f.setOD(1, 0.2)

	vol, err := f.m.MaintainCulture(1)
	if err != nil {
		t.Fatalf("MaintainCulture: %v", err)
	}
	if vol != 0 {
		t.Errorf("dilution volume = %v, want 0", vol)
	}
	start := f.clk.Now()
	if err := f.rig.ExecutePumping(); err != nil {
		t.Fatalf("ExecutePumping: %v", err)
	}
	if elapsed := f.clk.Now().Sub(start); elapsed != 0 {
		t.Errorf("pumps ran for %v with nothing queued", elapsed)
	}
}

func TestMaintainCultureRange(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	if _, err := f.m.MaintainCulture(0); err == nil {
		t.Error("culture 0 accepted")
	}
	if _, err := f.m.MaintainCulture(3); err == nil {
		t.Error("culture 3 accepted")
	}
}

func TestDilute(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	f.raws[1] = 2000 // OD 0.6
	f.setOD(2, 0.1)

	volumes, err := f.m.Dilute()
	if err != nil {
		t.Fatalf("Dilute: %v", err)
	}
	if len(volumes) != 2 {
		t.Fatalf("Dilute returned %d volumes, want 2", len(volumes))
	}
	if math.Abs(volumes[0]-20) > 1e-9 {
		t.Errorf("culture 1 volume = %v, want 20", volumes[0])
	}
	if volumes[1] != 0 {
		t.Errorf("culture 2 volume = %v, want 0", volumes[1])
	}
}

func TestFeedPhagesSplitsAndRuns(t *testing.T) {
	clk := testutil.NewBlockingClock(time.Unix(0, 0))
	f := newFixture(t, clk, defaultParams())

	// Culture 1 feeds both phage vials: 4 mL * 0.7 split two ways is
	// 1.4 mL each, 2.8 s on pump 3 (0.5 mL/s) and 2 s on pump 4
	// (0.7 mL/s). Culture 2 added nothing this cycle.
	start := clk.Now()
	done := make(chan error, 1)
	go func() { done <- f.m.FeedPhages([]float64{4, 0}) }()

	if err := clk.WaitSleepers(2, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := f.bus.Reg(expAddr, regGPIOA) & 0x0C; got != 0x0C {
		t.Fatalf("feed pump pins = %#02x, want 0x0C", got)
	}
	clk.Advance(2 * time.Second)
	clk.Advance(800 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("FeedPhages: %v", err)
	}
	// Both injections ran behind one barrier: total time is the longest
	// activation, not the sum.
	if elapsed := clk.Now().Sub(start); math.Abs(elapsed.Seconds()-2.8) > 1e-6 {
		t.Errorf("feeding took %v, want 2.8s", elapsed)
	}
	if got := f.bus.Reg(expAddr, regGPIOA); got != 0 {
		t.Errorf("gpioa after feeding = %#02x, want 0", got)
	}
}

func TestFeedPhagesClampsToMaxFeed(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())

	// 20 mL * 0.7 / 2 pumps is 7 mL per phage vial, clamped to 3 mL:
	// 6 s on pump 3, the longest activation.
	start := f.clk.Now()
	if err := f.m.FeedPhages([]float64{20, 0}); err != nil {
		t.Fatalf("FeedPhages: %v", err)
	}
	elapsed := f.clk.Now().Sub(start).Seconds()
	// Auto clock: concurrent sleeps accumulate, so the sum bounds it.
	longest := 3 / 0.5
	sum := 3/0.5 + 3/0.7
	if elapsed < longest-1e-6 || elapsed > sum+1e-6 {
		t.Errorf("feeding took %vs, want between %vs and %vs", elapsed, longest, sum)
	}
}

func TestRemoveWasteDrawsLargestVolume(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())

	// Largest addition 6 mL, overdrawn by the factor 2: 12 mL at
	// 0.5 mL/s is a 24 s draw.
	start := f.clk.Now()
	if err := f.m.RemoveWaste([]float64{2, 4, 6}); err != nil {
		t.Fatalf("RemoveWaste: %v", err)
	}
	if elapsed := f.clk.Now().Sub(start); math.Abs(elapsed.Seconds()-24) > 1e-6 {
		t.Errorf("waste draw took %v, want 24s", elapsed)
	}
	events := f.events.Events()
	if len(events) == 0 || events[len(events)-1] != "waste-direction off" {
		t.Errorf("events = %v, want trailing waste-direction off", events)
	}
}

func TestRemoveWasteCapsAtMaxDraw(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())

	// 14 mL capped to 10, times 2: 20 mL, a 40 s draw.
	start := f.clk.Now()
	if err := f.m.RemoveWaste([]float64{14}); err != nil {
		t.Fatalf("RemoveWaste: %v", err)
	}
	if elapsed := f.clk.Now().Sub(start); math.Abs(elapsed.Seconds()-40) > 1e-6 {
		t.Errorf("waste draw took %v, want 40s", elapsed)
	}
}

func TestRemoveWasteNothingAdded(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	if err := f.m.RemoveWaste([]float64{0, 0}); err != nil {
		t.Fatalf("RemoveWaste: %v", err)
	}
	if got := f.events.Events(); len(got) != 0 {
		t.Errorf("events = %v, want none for a zero draw", got)
	}
}

func TestCycleRecordsFourStates(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	// Every culture below target: the cycle only measures and mixes.
	if err := f.m.Cycle(); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if err := f.m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(f.ods.records); got != 4 {
		t.Fatalf("od records = %d, want 4", got)
	}
	if got := len(f.levels.records); got != 4 {
		t.Fatalf("level records = %d, want 4", got)
	}
	for _, rec := range f.ods.records {
		if len(rec.Values) != 4 {
			t.Fatalf("od record has %d values, want one per vial", len(rec.Values))
		}
	}
	// A second flush must not repeat the rows.
	if err := f.m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(f.ods.records); got != 4 {
		t.Errorf("od records after reflush = %d, want 4", got)
	}
}

func TestRunStopsAfterTotalTime(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	start := f.clk.Now()

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := f.clk.Now().Sub(start); elapsed < 300*time.Second {
		t.Errorf("run ended after %v, want at least the 300s total time", elapsed)
	}
	if len(f.ods.records) == 0 || len(f.ods.records)%4 != 0 {
		t.Errorf("od records = %d, want a positive multiple of 4", len(f.ods.records))
	}
	events := f.events.Events()
	if len(events) == 0 || events[0] != "light on" {
		t.Fatalf("events = %v, want leading light on", events)
	}
	// The teardown leaves everything off, direction forward.
	if events[len(events)-1] != "waste-direction off" {
		t.Errorf("last event = %q, want waste-direction off", events[len(events)-1])
	}
	lightOff := false
	for _, e := range events[1:] {
		if e == "light off" {
			lightOff = true
		}
	}
	if !lightOff {
		t.Error("light never switched off")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.m.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	events := f.events.Events()
	if len(events) == 0 || events[len(events)-1] != "waste-direction off" {
		t.Errorf("events = %v, want teardown after cancellation", events)
	}
}

func TestTopLowCultures(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	f.raws[1] = 2000 // culture 1 healthy at OD 0.6
	f.setOD(2, 0.1)  // culture 2 stalled

	if err := f.m.Cycle(); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	f.bus.ResetOps()

	if err := f.m.TopLowCultures(); err != nil {
		t.Fatalf("TopLowCultures: %v", err)
	}
	var raised1, raised2 bool
	for _, op := range f.bus.Ops() {
		if op.Kind == "wreg" && op.Addr == expAddr && op.Reg == regGPIOA {
			if op.Val&0x01 != 0 {
				raised1 = true
			}
			if op.Val&0x02 != 0 {
				raised2 = true
			}
		}
	}
	if raised1 {
		t.Error("healthy culture 1 was topped up")
	}
	if !raised2 {
		t.Error("stalled culture 2 was not topped up")
	}
}

func TestTopLowCulturesNoHistory(t *testing.T) {
	f := newFixture(t, testutil.NewClock(time.Unix(0, 0)), defaultParams())
	if err := f.m.TopLowCultures(); err != nil {
		t.Fatalf("TopLowCultures with no history: %v", err)
	}
	if got := f.bus.Ops(); len(got) != 0 {
		t.Errorf("bus traffic without history: %v", got)
	}
}
