// Multiplexed capacitance driver for the level sensors. The vials' level
// electrodes hang off two 8-channel analog multiplexers that share a
// single capacitance-to-digital chip address, so at most one multiplexer
// may be electrically selected at any instant. Every read brackets the
// register traffic with a select/deselect pair and the driver rejects a
// select while the other multiplexer is still enabled.
package core

import "sync"

// Capacitance chip registers.
const (
	capRegData1   = 0x01 // conversion high byte
	capRegData2   = 0x02 // conversion low byte
	capRegRef     = 0x11 // reference (offset DAC) byte
	capRegAverage = 0x0D // sample smoothing
	capRegConfig  = 0x0F // conversion/update-rate setup
)

// Setup values written once after a multiplexer is first selected.
const (
	capAverageDefault = 0x30
	capConfigDefault  = 0x19
)

// CapMux drives the shared capacitance chip through the two multiplexers.
type CapMux struct {
	mu         sync.Mutex
	bus        Bus
	sensor     Addr
	mux        [2]Addr
	selected   int // index of the enabled multiplexer, -1 for none
	configured [2]bool
}

// NewCapMux wires the capacitance chip at sensor behind the two
// multiplexers at mux1 and mux2.
func NewCapMux(bus Bus, sensor, mux1, mux2 Addr) (*CapMux, error) {
	if mux1 == mux2 {
		return nil, configErrorf("capacitance multiplexers share address %#02x", mux1)
	}
	return &CapMux{
		bus:      bus,
		sensor:   sensor,
		mux:      [2]Addr{mux1, mux2},
		selected: -1,
	}, nil
}

// Select enables exactly one channel bit on the given multiplexer. It
// fails if the other multiplexer is still selected: both drive the same
// chip address and must never be enabled together.
func (c *CapMux) Select(mux, channel int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(mux, channel)
}

func (c *CapMux) selectLocked(mux, channel int) error {
	if mux < 1 || mux > 2 {
		return commandErrorf("multiplexer %d out of range 1 or 2", mux)
	}
	// Channel 8 of each multiplexer is not wired to a vial.
	if channel < 1 || channel > 7 {
		return commandErrorf("multiplexer channel %d out of range 1 to 7", channel)
	}
	if c.selected >= 0 && c.selected != mux-1 {
		return commandErrorf("multiplexer %d still selected", c.selected+1)
	}
	if err := c.bus.WriteByte(c.mux[mux-1], 1<<uint(channel-1)); err != nil {
		return err
	}
	c.selected = mux - 1
	return nil
}

// Deselect disables every channel on both multiplexers.
func (c *CapMux) Deselect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deselectLocked()
}

func (c *CapMux) deselectLocked() error {
	for _, addr := range c.mux {
		if err := c.bus.WriteByte(addr, 0x00); err != nil {
			return err
		}
	}
	c.selected = -1
	return nil
}

// setup writes the smoothing and update-rate registers to the sensor
// chip. Needed once per multiplexer, after its first select, since the
// chip loses the settings when the electrode path changes boards.
func (c *CapMux) setup(mux int) error {
	if c.configured[mux-1] {
		return nil
	}
	if err := c.bus.WriteReg(c.sensor, capRegAverage, capAverageDefault); err != nil {
		return err
	}
	if err := c.bus.WriteReg(c.sensor, capRegConfig, capConfigDefault); err != nil {
		return err
	}
	c.configured[mux-1] = true
	return nil
}

// capacitance decodes the two data bytes and the reference byte into
// picofarads. The constants are empirical fits against the reference
// electrode and must not be normalized.
func capacitance(d1, d2, d3 byte) float64 {
	ref := (float64(d3) - 192) / 8 * 1.625
	data := (float64(d1)*256 + float64(d2) - 12288) / 40944 * 4
	return ref + data
}

// ReadCapacitance selects the channel on the given multiplexer, reads one
// conversion from the shared chip and deselects again.
func (c *CapMux) ReadCapacitance(mux, channel int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.deselectLocked(); err != nil {
		return 0, err
	}
	if err := c.selectLocked(mux, channel); err != nil {
		return 0, err
	}
	if err := c.setup(mux); err != nil {
		return 0, err
	}
	d1, err := c.bus.ReadReg(c.sensor, capRegData1)
	if err != nil {
		return 0, err
	}
	d2, err := c.bus.ReadReg(c.sensor, capRegData2)
	if err != nil {
		return 0, err
	}
	d3, err := c.bus.ReadReg(c.sensor, capRegRef)
	if err != nil {
		return 0, err
	}
	if err := c.deselectLocked(); err != nil {
		return 0, err
	}
	return capacitance(d1, d2, d3), nil
}
