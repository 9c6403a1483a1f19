// Package hostio implements the core hardware interfaces on a Linux
// host through periph.io: the shared I²C bus and the directly-attached
// GPIO lines for the light and the waste pump. Callers must run
// host.Init once before opening anything here.
package hostio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"

	"morbidostat/core"
)

// I2CBus adapts a periph i2c bus to core.Bus. A single mutex serializes
// transactions: the scheduler runs pump activations concurrently and
// they all share this one physical bus.
type I2CBus struct {
	mu  sync.Mutex
	bus i2c.BusCloser
}

// OpenBus opens the named i2c bus ("" selects the first available one).
func OpenBus(name string) (*I2CBus, error) {
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("hostio: open i2c bus %q: %w", name, err)
	}
	return &I2CBus{bus: bus}, nil
}

func (b *I2CBus) tx(addr core.Addr, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := i2c.Dev{Addr: uint16(addr), Bus: b.bus}
	return d.Tx(w, r)
}

func (b *I2CBus) WriteByte(addr core.Addr, value byte) error {
	return b.tx(addr, []byte{value}, nil)
}

func (b *I2CBus) WriteReg(addr core.Addr, reg, value byte) error {
	return b.tx(addr, []byte{reg, value}, nil)
}

func (b *I2CBus) ReadReg(addr core.Addr, reg byte) (byte, error) {
	var buf [1]byte
	if err := b.tx(addr, []byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *I2CBus) ReadBlock(addr core.Addr, cmd byte, buf []byte) error {
	return b.tx(addr, []byte{cmd}, buf)
}

// Close releases the bus.
func (b *I2CBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Close()
}

// Pin is a host GPIO output behind core.SwitchPin.
type Pin struct {
	pin gpio.PinIO
}

// OpenPin claims the named GPIO line (e.g. "GPIO21") and drives it low.
func OpenPin(name string) (*Pin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hostio: no gpio pin named %q", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("hostio: claim %s: %w", name, err)
	}
	return &Pin{pin: p}, nil
}

func (p *Pin) Set(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return p.pin.Out(level)
}
