// Digital output driver for the 16-pin I/O expander that carries the
// dosing pumps. The chip is split into two 8-bit ports: port A controls
// pins 1 to 8, port B controls pins 9 to 16, and on each port the least
// significant bit is the lowest numbered pin.
package core

import "sync"

// Expander register map (MCP23017).
const (
	regIODIRA = 0x00 // direction A, 1 = input, 0 = output
	regIODIRB = 0x01
	regIPOLA  = 0x02 // input polarity A, 1 = inverted
	regIPOLB  = 0x03
	regIOCON  = 0x0A // configuration register
	regGPPUA  = 0x0C // pull-up resistors A
	regGPPUB  = 0x0D
	regGPIOA  = 0x12 // data port A
	regGPIOB  = 0x13
)

// iocon default: sequential addressing disabled.
const expanderConf = 0x02

// Pin direction values.
const (
	PinOutput = 0
	PinInput  = 1
)

// Expander drives one 16-pin I/O expander chip.
type Expander struct {
	mu   sync.Mutex
	bus  Bus
	addr Addr
}

// NewExpander configures the chip at addr. With initialise set, every pin
// is put in its power-on state: direction input, pull-ups disabled,
// non-inverted. The rig flips the pins it owns to output afterwards.
func NewExpander(bus Bus, addr Addr, initialise bool) (*Expander, error) {
	if addr < 0x20 || addr > 0x27 {
		return nil, configErrorf("expander address %#02x out of range 0x20 to 0x27", addr)
	}
	e := &Expander{bus: bus, addr: addr}
	if err := bus.WriteReg(addr, regIOCON, expanderConf); err != nil {
		return nil, err
	}
	if !initialise {
		return e, nil
	}
	for _, init := range []struct {
		reg   byte
		value byte
	}{
		{regIODIRA, 0xFF}, {regIODIRB, 0xFF},
		{regGPPUA, 0x00}, {regGPPUB, 0x00},
		{regIPOLA, 0x00}, {regIPOLB, 0x00},
	} {
		if err := bus.WriteReg(addr, init.reg, init.value); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// pinRegister resolves a pin number to the owning register and bit index.
func pinRegister(pin int, regA, regB byte) (byte, uint, error) {
	switch {
	case pin >= 1 && pin <= 8:
		return regA, uint(pin - 1), nil
	case pin >= 9 && pin <= 16:
		return regB, uint(pin - 9), nil
	default:
		return 0, 0, commandErrorf("pin %d out of range 1 to 16", pin)
	}
}

// setPin updates a single bit in the register pair owning the pin. The
// read-modify-write must not interleave with another pin update on the
// same chip, hence the lock.
func (e *Expander) setPin(pin, value int, regA, regB byte) error {
	reg, bit, err := pinRegister(pin, regA, regB)
	if err != nil {
		return err
	}
	if value < 0 || value > 1 {
		return commandErrorf("pin value %d out of range 0 or 1", value)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, err := e.bus.ReadReg(e.addr, reg)
	if err != nil {
		return err
	}
	next := cur &^ (1 << bit)
	if value == 1 {
		next = cur | (1 << bit)
	}
	return e.bus.WriteReg(e.addr, reg, next)
}

func (e *Expander) getPin(pin int, regA, regB byte) (int, error) {
	reg, bit, err := pinRegister(pin, regA, regB)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, err := e.bus.ReadReg(e.addr, reg)
	if err != nil {
		return 0, err
	}
	if cur&(1<<bit) != 0 {
		return 1, nil
	}
	return 0, nil
}

// SetPinDirection sets the IO direction for a pin, PinInput or PinOutput.
func (e *Expander) SetPinDirection(pin, value int) error {
	return e.setPin(pin, value, regIODIRA, regIODIRB)
}

// WritePin drives a pin high (1) or low (0).
func (e *Expander) WritePin(pin, value int) error {
	return e.setPin(pin, value, regGPIOA, regGPIOB)
}

// ReadPin returns the current logic level of a pin.
func (e *Expander) ReadPin(pin int) (int, error) {
	return e.getPin(pin, regGPIOA, regGPIOB)
}
