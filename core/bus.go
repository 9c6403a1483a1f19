// Register-level bus abstraction shared by every chip driver.
// The real implementation lives in hostio; tests use an in-memory bus.
package core

// Addr is a 7-bit device address on the shared bus.
type Addr uint16

// Bus is the abstract transport that core drivers use. Implementations
// must be safe for use from multiple goroutines: the scheduler runs many
// pump activations concurrently over one physical bus.
type Bus interface {
	// WriteByte sends a single byte to the device with no register
	// framing (used for ADC configuration and mux channel selects).
	WriteByte(addr Addr, value byte) error

	// WriteReg writes one byte to a register of the device.
	WriteReg(addr Addr, reg byte, value byte) error

	// ReadReg reads one byte from a register of the device.
	ReadReg(addr Addr, reg byte) (byte, error)

	// ReadBlock writes cmd and then fills buf with the device's
	// response in a single transaction.
	ReadBlock(addr Addr, cmd byte, buf []byte) error
}

// SwitchPin is a single on/off output owned by the controller: the light,
// the waste pump, and the waste-pump direction line.
type SwitchPin interface {
	Set(on bool) error
}
