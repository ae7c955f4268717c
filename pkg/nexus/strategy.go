package nexus

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Strategy selects how a run dispatches the prompt to the engines.
type Strategy string

const (
	SingleCloud       Strategy = "single-cloud"
	SingleLocal       Strategy = "single-local"
	HybridSequential  Strategy = "hybrid-sequential"
	HybridParallel    Strategy = "hybrid-parallel"
	HybridAdversarial Strategy = "hybrid-adversarial"
)

// Strategies lists all strategies in display order.
func Strategies() []Strategy {
	return []Strategy{SingleCloud, SingleLocal, HybridSequential, HybridParallel, HybridAdversarial}
}

// ParseStrategy parses s. Unknown values return ErrUnknownStrategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case SingleCloud, SingleLocal, HybridSequential, HybridParallel, HybridAdversarial:
		return true
	}
	return false
}

// Hybrid reports whether s invokes both engines.
func (s Strategy) Hybrid() bool {
	switch s {
	case HybridSequential, HybridParallel, HybridAdversarial:
		return true
	}
	return false
}

// Envelopes returns the number of envelopes a fully successful run of s
// produces.
func (s Strategy) Envelopes() int {
	switch s {
	case SingleCloud, SingleLocal:
		return 1
	case HybridParallel:
		return 2
	case HybridSequential:
		return 3
	case HybridAdversarial:
		return 4
	}
	return 0
}

func (s Strategy) String() string {
	return string(s)
}

// UnmarshalText implements encoding.TextUnmarshaler with validation. An
// empty value decodes to the zero Strategy so that MarshalText round-trips.
func (s *Strategy) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = ""
		return nil
	}
	st, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalMsgpack implements msgpack.Unmarshaler with validation.
func (s *Strategy) UnmarshalMsgpack(data []byte) error {
	var v string
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(v))
}

// MarshalMsgpack implements msgpack.Marshaler.
func (s Strategy) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(string(s))
}
