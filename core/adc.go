// Analog input driver for the delta-sigma ADC pair (MCP3424) that carries
// the phototransistor and weight-sensor channels. Channels 1 to 4 live on
// the first chip, 5 to 8 on the second. Each chip is driven through a
// single configuration byte:
//
//	bit 7    ready flag (write: start one-shot conversion)
//	bits 5-6 channel select
//	bit 4    conversion mode, 1 = continuous
//	bits 2-3 resolution
//	bits 0-1 gain
package core

import (
	"sync"
	"time"
)

// adcPollInterval is the pause between ready-flag polls.
const adcPollInterval = 10 * time.Microsecond

// adcTimeoutSamples scales the per-sample latency into the poll deadline.
const adcTimeoutSamples = 100

// Channel select bits (bits 5-6), identical on both chips.
var adcChannelBits = [4]byte{0x00, 0x20, 0x40, 0x60}

// resolutionSpec fixes, per resolution, the config bits, the value of one
// least-significant bit in volts and the worst-case time per sample.
type resolutionSpec struct {
	bits      byte
	lsb       float64
	perSample time.Duration
}

var adcResolutions = map[int]resolutionSpec{
	12: {bits: 0x00, lsb: 0.0005, perSample: 4160 * time.Microsecond},
	14: {bits: 0x04, lsb: 0.000125, perSample: 16660 * time.Microsecond},
	16: {bits: 0x08, lsb: 0.00003125, perSample: 66660 * time.Microsecond},
	18: {bits: 0x0C, lsb: 0.0000078125, perSample: 266660 * time.Microsecond},
}

// Gain setting (bits 0-1) and the resulting amplification factor.
var adcGains = map[int]struct {
	bits byte
	pga  float64
}{
	1: {bits: 0x00, pga: 0.5},
	2: {bits: 0x01, pga: 1.0},
	4: {bits: 0x02, pga: 2.0},
	8: {bits: 0x03, pga: 4.0},
}

// voltageScale maps the gain-corrected LSB count to the board's input
// range (on-board divider), measured empirically.
const voltageScale = 2.471

// ADCPair drives two ADC chips as one eight-channel input bank.
type ADCPair struct {
	mu      sync.Mutex
	bus     Bus
	clk     Clock
	addr    [2]Addr
	conf    [2]byte // cached config byte per chip
	channel [2]int  // cached channel select per chip

	bits       int
	lsb        float64
	pga        float64
	continuous bool
}

// NewADCPair configures the chip pair at addr1/addr2 with the given
// resolution. Gain defaults to 1, conversion mode to continuous.
func NewADCPair(bus Bus, clk Clock, addr1, addr2 Addr, bits int) (*ADCPair, error) {
	for _, a := range []Addr{addr1, addr2} {
		if a < 0x68 || a > 0x6F {
			return nil, configErrorf("adc address %#02x out of range 0x68 to 0x6F", a)
		}
	}
	a := &ADCPair{
		bus:        bus,
		clk:        clk,
		addr:       [2]Addr{addr1, addr2},
		conf:       [2]byte{0x9C, 0x9C},
		channel:    [2]int{1, 5},
		pga:        0.5,
		continuous: true,
	}
	if err := a.SetBitRate(bits); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *ADCPair) writeConf() error {
	for i := range a.addr {
		if err := a.bus.WriteByte(a.addr[i], a.conf[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetGain selects the programmable gain: 1, 2, 4 or 8.
func (a *ADCPair) SetGain(gain int) error {
	g, ok := adcGains[gain]
	if !ok {
		return configErrorf("adc gain %d not one of 1, 2, 4, 8", gain)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conf[0] = a.conf[0]&0xFC | g.bits
	a.conf[1] = a.conf[1]&0xFC | g.bits
	a.pga = g.pga
	return a.writeConf()
}

// SetBitRate selects the resolution: 12, 14, 16 or 18 bits. The choice
// fixes both the LSB voltage and the per-sample conversion latency.
func (a *ADCPair) SetBitRate(bits int) error {
	r, ok := adcResolutions[bits]
	if !ok {
		return configErrorf("adc resolution %d not one of 12, 14, 16, 18", bits)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conf[0] = a.conf[0]&0xF3 | r.bits
	a.conf[1] = a.conf[1]&0xF3 | r.bits
	a.bits = bits
	a.lsb = r.lsb
	return a.writeConf()
}

// SetConversionMode switches between continuous and one-shot sampling.
func (a *ADCPair) SetConversionMode(continuous bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if continuous {
		a.conf[0] |= 0x10
		a.conf[1] |= 0x10
	} else {
		a.conf[0] &^= 0x10
		a.conf[1] &^= 0x10
	}
	a.continuous = continuous
	return a.writeConf()
}

// selectChannel folds the channel into the owning chip's config byte and
// returns the chip index. Caller holds the lock.
func (a *ADCPair) selectChannel(channel int) (int, error) {
	if channel < 1 || channel > 8 {
		return 0, commandErrorf("adc channel %d out of range 1 to 8", channel)
	}
	chip := 0
	if channel > 4 {
		chip = 1
	}
	if a.channel[chip] != channel {
		a.channel[chip] = channel
		a.conf[chip] = a.conf[chip]&0x9F | adcChannelBits[(channel-1)%4]
	}
	return chip, nil
}

// ReadRaw samples the channel and returns the conversion magnitude with
// the sign bit cleared, reporting the sign separately. It polls the ready
// flag embedded in the response block and fails with
// ConversionTimeoutError after 100 per-sample periods.
func (a *ADCPair) ReadRaw(channel int) (raw int, negative bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chip, err := a.selectChannel(channel)
	if err != nil {
		return 0, false, err
	}
	conf := a.conf[chip]
	addr := a.addr[chip]

	// In one-shot mode a conversion only happens on demand: write the
	// config byte with the ready bit set to start one.
	if !a.continuous {
		if err := a.bus.WriteByte(addr, conf|0x80); err != nil {
			return 0, false, err
		}
	}

	spec := adcResolutions[a.bits]
	deadline := a.clk.Now().Add(adcTimeoutSamples * spec.perSample)

	var high, mid, low byte
	ok, err := pollUntil(a.clk, deadline, adcPollInterval, func() (bool, error) {
		var block [4]byte
		if err := a.bus.ReadBlock(addr, conf, block[:]); err != nil {
			return false, err
		}
		var status byte
		if a.bits == 18 {
			high, mid, low = block[0], block[1], block[2]
			status = block[3]
		} else {
			high, mid = block[0], block[1]
			status = block[2]
		}
		return status&0x80 == 0, nil
	})
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, &ConversionTimeoutError{Channel: channel}
	}

	// Combine the data bytes and strip the resolution-specific sign bit
	// from the returned magnitude.
	switch a.bits {
	case 18:
		raw = int(high&0x03)<<16 | int(mid)<<8 | int(low)
		negative = raw&(1<<17) != 0
		raw &^= 1 << 17
	case 16:
		raw = int(high)<<8 | int(mid)
		negative = raw&(1<<15) != 0
		raw &^= 1 << 15
	case 14:
		raw = int(high&0x3F)<<8 | int(mid)
		negative = raw&(1<<13) != 0
		raw &^= 1 << 13
	case 12:
		raw = int(high&0x0F)<<8 | int(mid)
		negative = raw&(1<<11) != 0
		raw &^= 1 << 11
	}
	return raw, negative, nil
}

// ReadVoltage samples the channel and scales the result to volts. A
// conversion with the sign bit set reads as 0 V rather than a negative
// voltage; the calibration tables were fitted against that behavior.
func (a *ADCPair) ReadVoltage(channel int) (float64, error) {
	raw, negative, err := a.ReadRaw(channel)
	if err != nil {
		return 0, err
	}
	if negative {
		return 0, nil
	}
	return float64(raw) * (a.lsb / a.pga) * voltageScale, nil
}

// LSB returns the volts-per-count value of the current resolution.
func (a *ADCPair) LSB() float64 { return a.lsb }

// SamplePeriod returns the worst-case conversion time of the current
// resolution.
func (a *ADCPair) SamplePeriod() time.Duration {
	return adcResolutions[a.bits].perSample
}
