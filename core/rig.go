// Vial rig facade: resolves vial and pump ids through the registry,
// reads calibrated values from the drivers and turns volumes into
// scheduled pump activations.
package core

import (
	"log"
	"time"

	"morbidostat/calibration"
)

// Rig ties the drivers, the registry and the calibration store together.
type Rig struct {
	reg   *Registry
	exp   *Expander
	adc   *ADCPair
	caps  *CapMux // nil when no level sensors are installed
	cal   *calibration.Table
	sched *Scheduler
	clk   Clock

	light    SwitchPin
	waste    SwitchPin
	wasteDir SwitchPin
}

// RigParams collects the collaborators of a Rig.
type RigParams struct {
	Registry    *Registry
	Expander    *Expander
	ADC         *ADCPair
	CapMux      *CapMux
	Calibration *calibration.Table
	Clock       Clock
	Light       SwitchPin
	WastePump   SwitchPin
	WasteDir    SwitchPin
}

// NewRig wires the rig and forces it into its off state: every expander
// pin an output driven low, light off, waste pump off, direction forward.
func NewRig(p RigParams) (*Rig, error) {
	if p.Registry == nil || p.Expander == nil || p.ADC == nil || p.Calibration == nil {
		return nil, configErrorf("rig is missing a collaborator")
	}
	if p.Light == nil || p.WastePump == nil || p.WasteDir == nil {
		return nil, configErrorf("rig is missing a control pin")
	}
	clk := p.Clock
	if clk == nil {
		clk = SystemClock
	}
	r := &Rig{
		reg:      p.Registry,
		exp:      p.Expander,
		adc:      p.ADC,
		caps:     p.CapMux,
		cal:      p.Calibration,
		sched:    NewScheduler(p.Expander, clk),
		clk:      clk,
		light:    p.Light,
		waste:    p.WastePump,
		wasteDir: p.WasteDir,
	}
	for pin := 1; pin <= 16; pin++ {
		if err := r.exp.SetPinDirection(pin, PinOutput); err != nil {
			return nil, err
		}
	}
	if err := r.TurnOff(); err != nil {
		return nil, err
	}
	return r, nil
}

// analogVoltage reads one sample from an analog sensor address.
func (r *Rig) analogVoltage(sa SensorAddress) (float64, error) {
	a, ok := sa.(AnalogAddress)
	if !ok {
		return 0, commandErrorf("sensor is not on the adc pair")
	}
	if a.Pair != 1 {
		return 0, commandErrorf("adc pair %d is not installed", a.Pair)
	}
	return r.adc.ReadVoltage(a.Channel)
}

// average samples the read function n times with lag between samples and
// returns the mean.
func (r *Rig) average(lag time.Duration, n int, read func() (float64, error)) (float64, error) {
	if n <= 0 {
		return 0, commandErrorf("sample count %d is not positive", n)
	}
	var sum float64
	for i := 0; i < n; i++ {
		r.clk.Sleep(lag)
		v, err := read()
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(n), nil
}

// MeasureODVoltage returns the mean phototransistor voltage of the vial
// over n samples taken lag apart. The light must already be on.
func (r *Rig) MeasureODVoltage(vial int, lag time.Duration, n int) (float64, error) {
	v, err := r.reg.Vial(vial)
	if err != nil {
		return 0, err
	}
	return r.average(lag, n, func() (float64, error) {
		return r.analogVoltage(v.OD)
	})
}

// MeasureOD returns the mean calibrated optical density of the vial.
func (r *Rig) MeasureOD(vial int, lag time.Duration, n int) (float64, error) {
	v, err := r.reg.Vial(vial)
	if err != nil {
		return 0, err
	}
	return r.average(lag, n, func() (float64, error) {
		voltage, err := r.analogVoltage(v.OD)
		if err != nil {
			return 0, err
		}
		return r.cal.OD(vial, voltage)
	})
}

// MeasureWeightVoltage returns the mean weight-sensor voltage of the vial.
func (r *Rig) MeasureWeightVoltage(vial int, lag time.Duration, n int) (float64, error) {
	v, err := r.reg.Vial(vial)
	if err != nil {
		return 0, err
	}
	return r.average(lag, n, func() (float64, error) {
		return r.analogVoltage(v.Level)
	})
}

// MeasureWeight returns the mean calibrated weight of the vial in grams.
// The vial's second sensor must be an analog weight sensor.
func (r *Rig) MeasureWeight(vial int, lag time.Duration, n int) (float64, error) {
	v, err := r.reg.Vial(vial)
	if err != nil {
		return 0, err
	}
	return r.average(lag, n, func() (float64, error) {
		voltage, err := r.analogVoltage(v.Level)
		if err != nil {
			return 0, err
		}
		return r.cal.Weight(vial, voltage)
	})
}

// MeasureCapacitance returns the mean raw capacitance of the vial's level
// sensor. The vial's second sensor must sit behind a multiplexer.
func (r *Rig) MeasureCapacitance(vial int, lag time.Duration, n int) (float64, error) {
	v, err := r.reg.Vial(vial)
	if err != nil {
		return 0, err
	}
	m, ok := v.Level.(MuxAddress)
	if !ok {
		return 0, commandErrorf("vial %d has no level sensor", vial)
	}
	if r.caps == nil {
		return 0, commandErrorf("no capacitance sensor installed")
	}
	return r.average(lag, n, func() (float64, error) {
		return r.caps.ReadCapacitance(m.Mux, m.Channel)
	})
}

// MeasureLevel returns the mean calibrated liquid level of the vial in
// milliliters.
func (r *Rig) MeasureLevel(vial int, lag time.Duration, n int) (float64, error) {
	c, err := r.MeasureCapacitance(vial, lag, n)
	if err != nil {
		return 0, err
	}
	return r.cal.Level(vial, c)
}

// InjectVolume queues a pump activation moving volume milliliters,
// clamped to maxVolume when maxVolume is positive. With runNow set the
// pending set is executed immediately.
func (r *Rig) InjectVolume(pump int, volume, maxVolume float64, runNow bool) error {
	p, err := r.reg.Pump(pump)
	if err != nil {
		return err
	}
	if volume < 0 {
		return commandErrorf("pump %d volume %.3f is negative", pump, volume)
	}
	if maxVolume > 0 && volume > maxVolume {
		log.Printf("pump %d: clamping %.3f mL to %.3f mL", pump, volume, maxVolume)
		volume = maxVolume
	}
	duration, err := r.cal.PumpDuration(pump, volume)
	if err != nil {
		return err
	}
	if err := r.sched.Submit(p, duration); err != nil {
		return err
	}
	if runNow {
		return r.ExecutePumping()
	}
	return nil
}

// ExecutePumping runs every queued activation and waits for all of them.
func (r *Rig) ExecutePumping() error {
	return r.sched.ExecuteAll()
}

// RunPump runs one pump for a fixed duration, synchronously.
func (r *Rig) RunPump(pump int, duration time.Duration) error {
	p, err := r.reg.Pump(pump)
	if err != nil {
		return err
	}
	if err := r.sched.Submit(p, duration); err != nil {
		return err
	}
	return r.sched.ExecuteAll()
}

// RunAllPumps runs every registered pump for the same duration at once.
func (r *Rig) RunAllPumps(duration time.Duration) error {
	for _, p := range r.reg.Pumps() {
		if err := r.sched.Submit(p, duration); err != nil {
			return err
		}
	}
	return r.sched.ExecuteAll()
}

// RemoveWaste runs the waste pump forward long enough to draw volume
// milliliters out of the phage vials.
func (r *Rig) RemoveWaste(volume float64) error {
	if volume < 0 {
		return commandErrorf("waste volume %.3f is negative", volume)
	}
	duration, err := r.cal.WasteDuration(volume)
	if err != nil {
		return err
	}
	return r.RunWastePump(duration, false)
}

// ReturnWaste runs the waste pump in reverse to push volume milliliters
// back, used on the bench and while priming.
func (r *Rig) ReturnWaste(volume float64) error {
	if volume < 0 {
		return commandErrorf("waste volume %.3f is negative", volume)
	}
	duration, err := r.cal.WasteDuration(volume)
	if err != nil {
		return err
	}
	return r.RunWastePump(duration, true)
}

// RunWastePump drives the waste pump synchronously for the duration. The
// direction line flips the rotation sense of the whole pump bank, so it
// is forced back to forward before this returns, error or not.
func (r *Rig) RunWastePump(duration time.Duration, reversed bool) error {
	if duration < 0 {
		return commandErrorf("waste pump duration %v is negative", duration)
	}
	if duration == 0 {
		return nil
	}
	if err := r.wasteDir.Set(reversed); err != nil {
		return err
	}
	defer r.wasteDir.Set(false)
	if err := r.waste.Set(true); err != nil {
		return err
	}
	r.clk.Sleep(duration)
	return r.waste.Set(false)
}

// WaitMix pauses to let a vial homogenize before the next measurement.
func (r *Rig) WaitMix(d time.Duration) {
	if d > 0 {
		r.clk.Sleep(d)
	}
}

// SwitchLight turns the measurement light on or off.
func (r *Rig) SwitchLight(on bool) error {
	return r.light.Set(on)
}

// TurnOff forces every actuator to its safe state: all pump pins low,
// light off, waste pump off, direction forward. All outputs are
// attempted even if one fails; the first error is reported.
func (r *Rig) TurnOff() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, p := range r.reg.Pumps() {
		keep(r.exp.WritePin(p.Pin, 0))
	}
	keep(r.light.Set(false))
	keep(r.waste.Set(false))
	keep(r.wasteDir.Set(false))
	return first
}

// Registry exposes the hardware map for the control loop.
func (r *Rig) Registry() *Registry { return r.reg }

// Calibration exposes the calibration store.
func (r *Rig) Calibration() *calibration.Table { return r.cal }

// Clock exposes the rig's time source.
func (r *Rig) Clock() Clock { return r.clk }
