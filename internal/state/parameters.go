package state

// Parameters fixes the shape of an MPC group: n parties in total, of
// which any t+1 can produce a signature. Serialized as {"n": …, "t": …}
// on the wire.
type Parameters struct {
	Parties   uint16 `json:"n"`
	Threshold uint16 `json:"t"`
}

// NewParameters validates and builds a Parameters value. The party
// count is checked before the threshold, so a request that is wrong on
// both reports the party count first.
func NewParameters(parties, threshold uint16) (Parameters, error) {
	p := Parameters{Parties: parties, Threshold: threshold}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Validate checks n >= 2 and 0 < t < n.
func (p Parameters) Validate() error {
	if p.Parties < 2 {
		return &InvalidPartiesError{Parties: p.Parties}
	}
	if p.Threshold == 0 || p.Threshold >= p.Parties {
		return &InvalidThresholdError{Threshold: p.Threshold}
	}
	return nil
}

// ThresholdReached reports whether a session with the given number of
// signed-up parties can proceed. Key generation needs every party;
// signing needs any t+1.
func (p Parameters) ThresholdReached(kind SessionKind, parties int) bool {
	if kind == SessionKindSign {
		return parties > int(p.Threshold)
	}
	return parties == int(p.Parties)
}
