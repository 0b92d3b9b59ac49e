// Package marketstate is the single source of truth for the four-valued
// per-timeframe regime tag. Every comparison at runtime is against the
// State type; strings exist only at the IO boundary (persistence,
// command-surface rendering). No other package may accept a bare string
// where a State is meant — that is enforced by this package being the
// only place Parse exists.
package marketstate

// State is the four-valued market regime tag. The zero value is not a valid
// state; callers always carry state as (State, bool) or *State so "absent"
// is representable without a sentinel value living inside the valid range.
type State int8

const (
	// A is impulse: a strong move in the direction of trend.
	A State = iota + 1
	// B is acceptance: narrow range, consolidation.
	B
	// C is loss of control: wide wicks, volatility without direction.
	C
	// D is rejection: a strong move against trend.
	D
)

// String renders the canonical single-letter form used at IO boundaries.
func (s State) String() string {
	switch s {
	case A:
		return "A"
	case B:
		return "B"
	case C:
		return "C"
	case D:
		return "D"
	default:
		return ""
	}
}

// Label is a human-readable description, used in reports and command
// responses.
func (s State) Label() string {
	switch s {
	case A:
		return "impulse"
	case B:
		return "acceptance"
	case C:
		return "loss-of-control"
	case D:
		return "rejection"
	default:
		return "unknown"
	}
}

// Parse converts a persisted/user-facing string into a State. An unknown or
// empty string returns ok=false; callers must treat that as "absent", never
// crash, never silently default to a particular state.
func Parse(value string) (State, bool) {
	switch value {
	case "A":
		return A, true
	case "B":
		return B, true
	case "C":
		return C, true
	case "D":
		return D, true
	default:
		return 0, false
	}
}

// Valid reports whether s is one of the four canonical states.
func Valid(s State) bool {
	return s >= A && s <= D
}

// Map is a read-only snapshot of per-timeframe states. It is always
// constructed via NewMap from already-parsed states (never from raw
// strings), so the "enum past the IO boundary" invariant is a type
// guarantee rather than a runtime check.
type Map struct {
	byTimeframe map[string]State
}

// NewMap copies the given timeframe->state pairs into an immutable Map.
// Timeframes with no classification should simply be omitted, not mapped to
// a zero State.
func NewMap(states map[string]State) Map {
	cp := make(map[string]State, len(states))
	for tf, s := range states {
		if Valid(s) {
			cp[tf] = s
		}
	}
	return Map{byTimeframe: cp}
}

// Get returns the state for a timeframe and whether it was classified.
func (m Map) Get(timeframe string) (State, bool) {
	s, ok := m.byTimeframe[timeframe]
	return s, ok
}

// Len returns the number of classified timeframes.
func (m Map) Len() int {
	return len(m.byTimeframe)
}

// Timeframes returns the classified timeframe keys, in no particular order.
func (m Map) Timeframes() []string {
	out := make([]string, 0, len(m.byTimeframe))
	for tf := range m.byTimeframe {
		out = append(out, tf)
	}
	return out
}

// Unique returns the distinct classified states present in the map, used by
// the cognitive-metric consistency/dispersion calculation.
func (m Map) Unique() []State {
	seen := map[State]bool{}
	out := make([]State, 0, 4)
	for _, s := range m.byTimeframe {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
