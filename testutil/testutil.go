// Package testutil provides in-memory stand-ins for the hardware layer:
// a register-level bus, a simulated clock and recording switch pins.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"morbidostat/core"
)

// Op is one recorded bus transaction.
type Op struct {
	Kind string // "wbyte", "wreg", "rreg", "block"
	Addr core.Addr
	Reg  byte
	Val  byte
}

// FakeBus is an in-memory register file behind the core.Bus interface.
type FakeBus struct {
	mu   sync.Mutex
	regs map[core.Addr]map[byte]byte
	last map[core.Addr]byte // last plain byte written per address
	ops  []Op

	// BlockFn, when set, answers ReadBlock calls. Without it blocks
	// read back as zeros with the ready flag clear.
	BlockFn func(addr core.Addr, cmd byte, buf []byte) error

	// Err, when set, fails every transaction.
	Err error
}

func NewFakeBus() *FakeBus {
	return &FakeBus{
		regs: make(map[core.Addr]map[byte]byte),
		last: make(map[core.Addr]byte),
	}
}

func (b *FakeBus) record(op Op) {
	b.ops = append(b.ops, op)
}

func (b *FakeBus) WriteByte(addr core.Addr, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.last[addr] = value
	b.record(Op{Kind: "wbyte", Addr: addr, Val: value})
	return nil
}

func (b *FakeBus) WriteReg(addr core.Addr, reg, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	if b.regs[addr] == nil {
		b.regs[addr] = make(map[byte]byte)
	}
	b.regs[addr][reg] = value
	b.record(Op{Kind: "wreg", Addr: addr, Reg: reg, Val: value})
	return nil
}

func (b *FakeBus) ReadReg(addr core.Addr, reg byte) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return 0, b.Err
	}
	v := b.regs[addr][reg]
	b.record(Op{Kind: "rreg", Addr: addr, Reg: reg, Val: v})
	return v, nil
}

func (b *FakeBus) ReadBlock(addr core.Addr, cmd byte, buf []byte) error {
	b.mu.Lock()
	fn := b.BlockFn
	err := b.Err
	b.record(Op{Kind: "block", Addr: addr, Reg: cmd})
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(addr, cmd, buf)
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// Reg returns the current value of a device register.
func (b *FakeBus) Reg(addr core.Addr, reg byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr][reg]
}

// SetReg seeds a device register.
func (b *FakeBus) SetReg(addr core.Addr, reg, value byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs[addr] == nil {
		b.regs[addr] = make(map[byte]byte)
	}
	b.regs[addr][reg] = value
}

// LastByte returns the last plain byte written to the address.
func (b *FakeBus) LastByte(addr core.Addr) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[addr]
}

// Ops returns a copy of the transaction log.
func (b *FakeBus) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// ResetOps clears the transaction log.
func (b *FakeBus) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

// ADCBlock builds the 4-byte response of an ADC read for the given
// resolution. The raw value is placed as-is, so a value with the
// resolution's sign bit set reads back as a negative conversion. With
// busy set, the trailing status byte keeps the ready flag high.
func ADCBlock(bits, raw int, busy bool) []byte {
	var status byte
	if busy {
		status = 0x80
	}
	switch bits {
	case 18:
		return []byte{byte(raw >> 16 & 0x03), byte(raw >> 8), byte(raw), status}
	default:
		return []byte{byte(raw >> 8), byte(raw), status, 0}
	}
}

// Clock is a simulated core.Clock. In the default mode Sleep advances
// the clock immediately; in blocking mode Sleep parks the caller until
// Advance moves time past its wake point, which lets tests observe
// concurrent sleepers.
type Clock struct {
	mu       sync.Mutex
	now      time.Time
	blocking bool
	waiters  []*waiter
}

type waiter struct {
	wake time.Time
	ch   chan struct{}
}

// NewClock returns an auto-advancing clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// NewBlockingClock returns a clock whose sleepers block until Advance.
func NewBlockingClock(start time.Time) *Clock {
	return &Clock{now: start, blocking: true}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if !c.blocking {
		c.now = c.now.Add(d)
		c.mu.Unlock()
		return
	}
	w := &waiter{wake: c.now.Add(d), ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	<-w.ch
}

// Advance moves the clock forward and wakes every sleeper whose wake
// point has passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var rest []*waiter
	for _, w := range c.waiters {
		if !w.wake.After(c.now) {
			close(w.ch)
		} else {
			rest = append(rest, w)
		}
	}
	c.waiters = rest
	c.mu.Unlock()
}

// Sleepers reports how many goroutines are currently parked in Sleep.
func (c *Clock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitSleepers blocks until n goroutines are parked in Sleep or the
// real-time timeout expires.
func (c *Clock) WaitSleepers(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.Sleepers() >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d sleepers, have %d", n, c.Sleepers())
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// EventLog records named switch events in order across several pins.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *EventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// Reset clears the log.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Pin is a recording core.SwitchPin.
type Pin struct {
	mu   sync.Mutex
	name string
	log  *EventLog
	on   bool
}

// NewPin creates a pin that records its transitions in log (which may be
// shared between pins to capture ordering).
func NewPin(name string, log *EventLog) *Pin {
	if log == nil {
		log = &EventLog{}
	}
	return &Pin{name: name, log: log}
}

func (p *Pin) Set(on bool) error {
	p.mu.Lock()
	p.on = on
	p.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	p.log.add(p.name + " " + state)
	return nil
}

// On reports the pin's current state.
func (p *Pin) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}
