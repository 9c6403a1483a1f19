// Device registry: the static table mapping logical entities (vials,
// pumps, sensors) to physical addresses. Built once at startup and
// immutable afterwards.
package core

// Role classifies the endpoints of pump plumbing and the vials.
type Role string

const (
	RoleMedia   Role = "media"
	RoleCulture Role = "culture"
	RolePhage   Role = "phage vial"
)

// SensorAddress locates one sensor input. Exactly two variants exist:
// a channel on the ADC pair or a channel behind one of the capacitance
// multiplexers.
type SensorAddress interface {
	sensorAddress()
}

// AnalogAddress selects a channel (1 to 8) on an ADC chip pair.
type AnalogAddress struct {
	Pair    int // index of the chip pair, 1-based
	Channel int
}

func (AnalogAddress) sensorAddress() {}

// NewAnalogAddress validates the pair and channel range.
func NewAnalogAddress(pair, channel int) (AnalogAddress, error) {
	if pair < 1 {
		return AnalogAddress{}, configErrorf("adc pair %d out of range", pair)
	}
	if channel < 1 || channel > 8 {
		return AnalogAddress{}, configErrorf("adc channel %d out of range 1 to 8", channel)
	}
	return AnalogAddress{Pair: pair, Channel: channel}, nil
}

// MuxAddress selects a channel (1 to 7) behind one of the two
// capacitance multiplexers.
type MuxAddress struct {
	Mux     int // 1 or 2
	Channel int
}

func (MuxAddress) sensorAddress() {}

// NewMuxAddress validates the multiplexer index and channel range.
func NewMuxAddress(mux, channel int) (MuxAddress, error) {
	if mux < 1 || mux > 2 {
		return MuxAddress{}, configErrorf("multiplexer %d out of range 1 or 2", mux)
	}
	if channel < 1 || channel > 7 {
		return MuxAddress{}, configErrorf("multiplexer channel %d out of range 1 to 7", channel)
	}
	return MuxAddress{Mux: mux, Channel: channel}, nil
}

// Vial is one culture or phage reservoir with its two sensor inputs.
type Vial struct {
	ID    int
	Role  Role
	OD    SensorAddress // phototransistor input
	Level SensorAddress // level (capacitance) or weight (analog) input
}

// Port names one endpoint of a pump route, e.g. culture 3.
type Port struct {
	Type   Role
	Number int
}

// Pump routes liquid from Input to Output and is actuated through one
// expander pin.
type Pump struct {
	ID     int
	Pin    int // expander pin, 1 to 16
	Input  Port
	Output Port
}

// Registry holds the fixed hardware map for a run.
type Registry struct {
	vials    map[int]Vial
	vialIDs  []int // declaration order
	pumps    map[int]Pump
	pumpIDs  []int
	cultures []int // culture vial ids in declaration order
	phages   []int
}

// NewRegistry validates and freezes the hardware map: unique vial and
// pump ids, unique pump pins, complete sensor addresses, unique routes.
func NewRegistry(vials []Vial, pumps []Pump) (*Registry, error) {
	r := &Registry{
		vials: make(map[int]Vial, len(vials)),
		pumps: make(map[int]Pump, len(pumps)),
	}
	for _, v := range vials {
		if _, dup := r.vials[v.ID]; dup {
			return nil, configErrorf("duplicate vial id %d", v.ID)
		}
		if v.Role != RoleCulture && v.Role != RolePhage {
			return nil, configErrorf("vial %d role %q is not culture or phage", v.ID, v.Role)
		}
		if v.OD == nil || v.Level == nil {
			return nil, configErrorf("vial %d is missing a sensor address", v.ID)
		}
		r.vials[v.ID] = v
		r.vialIDs = append(r.vialIDs, v.ID)
		if v.Role == RoleCulture {
			r.cultures = append(r.cultures, v.ID)
		} else {
			r.phages = append(r.phages, v.ID)
		}
	}
	pins := make(map[int]int, len(pumps))
	routes := make(map[Port]map[Port]bool)
	for _, p := range pumps {
		if _, dup := r.pumps[p.ID]; dup {
			return nil, configErrorf("duplicate pump id %d", p.ID)
		}
		if p.Pin < 1 || p.Pin > 16 {
			return nil, configErrorf("pump %d pin %d out of range 1 to 16", p.ID, p.Pin)
		}
		if other, taken := pins[p.Pin]; taken {
			return nil, configErrorf("pump %d pin %d already used by pump %d", p.ID, p.Pin, other)
		}
		if routes[p.Input] == nil {
			routes[p.Input] = make(map[Port]bool)
		}
		if routes[p.Input][p.Output] {
			return nil, configErrorf("duplicate pump route %v -> %v", p.Input, p.Output)
		}
		routes[p.Input][p.Output] = true
		pins[p.Pin] = p.ID
		r.pumps[p.ID] = p
		r.pumpIDs = append(r.pumpIDs, p.ID)
	}
	return r, nil
}

// Vial resolves a vial id.
func (r *Registry) Vial(id int) (Vial, error) {
	v, ok := r.vials[id]
	if !ok {
		return Vial{}, commandErrorf("unknown vial %d", id)
	}
	return v, nil
}

// Pump resolves a pump id.
func (r *Registry) Pump(id int) (Pump, error) {
	p, ok := r.pumps[id]
	if !ok {
		return Pump{}, commandErrorf("unknown pump %d", id)
	}
	return p, nil
}

// PumpFor resolves the unique pump routing in to out. Zero or several
// matches are a contract violation.
func (r *Registry) PumpFor(in, out Port) (Pump, error) {
	var found []Pump
	for _, id := range r.pumpIDs {
		p := r.pumps[id]
		if p.Input == in && p.Output == out {
			found = append(found, p)
		}
	}
	if len(found) != 1 {
		return Pump{}, commandErrorf("found %d pumps for route %v -> %v", len(found), in, out)
	}
	return found[0], nil
}

// Vials returns every vial in declaration order.
func (r *Registry) Vials() []Vial {
	out := make([]Vial, 0, len(r.vialIDs))
	for _, id := range r.vialIDs {
		out = append(out, r.vials[id])
	}
	return out
}

// Pumps returns every pump in declaration order.
func (r *Registry) Pumps() []Pump {
	out := make([]Pump, 0, len(r.pumpIDs))
	for _, id := range r.pumpIDs {
		out = append(out, r.pumps[id])
	}
	return out
}

// Cultures returns the culture vials in declaration order. A culture's
// routing number is its 1-based position in this slice.
func (r *Registry) Cultures() []Vial {
	out := make([]Vial, 0, len(r.cultures))
	for _, id := range r.cultures {
		out = append(out, r.vials[id])
	}
	return out
}

// Phages returns the phage vials in declaration order.
func (r *Registry) Phages() []Vial {
	out := make([]Vial, 0, len(r.phages))
	for _, id := range r.phages {
		out = append(out, r.vials[id])
	}
	return out
}

// PumpsFrom returns the pumps whose input is the given port, in
// declaration order. Used to fan a culture out to its phage vials.
func (r *Registry) PumpsFrom(in Port) []Pump {
	var out []Pump
	for _, id := range r.pumpIDs {
		if p := r.pumps[id]; p.Input == in {
			out = append(out, p)
		}
	}
	return out
}
