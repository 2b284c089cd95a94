package merge

// Source identifies one of the three writers of a field
type Source int

// Sources in tie-break order
const (
	API Source = iota
	Local
	Self
)

func (s Source) String() string {
	switch s {
	case API:
		return "api"
	case Local:
		return "local"
	case Self:
		return "self"
	default:
		return "unknown"
	}
}

// Stamp describes whether a source took part and with which timestamp
type Stamp struct {
	Modified uint64
	Set      bool
}

// Winner resolves three present timestamps.
// A zero timestamp is a priority write and wins in the order API, Local, Self.
// Otherwise the greatest timestamp wins and ties go to API, then Local, then Self.
func Winner(apiTS, localTS, selfTS uint64) Source {
	winner, _ := Resolve(Stamp{apiTS, true}, Stamp{localTS, true}, Stamp{selfTS, true})
	return winner
}

// Resolve applies the Winner rules to the sources that are set.
// It returns false when no source has delivered a value yet.
func Resolve(api, local, self Stamp) (Source, bool) {
	stamps := [...]Stamp{API: api, Local: local, Self: self}

	for src, st := range stamps {
		if st.Set && st.Modified == 0 {
			return Source(src), true
		}
	}

	winner, found := Self, false
	var latest uint64
	for src, st := range stamps {
		if !st.Set {
			continue
		}
		// strict comparison keeps the earlier source on ties
		if !found || st.Modified > latest {
			winner, latest, found = Source(src), st.Modified, true
		}
	}
	return winner, found
}

// Apply merges v in place: the winning slot is copied into Self, the other slots stay
// untouched. It reports the winner and whether the self value changed according to equal.
func Apply[T any](v *Value[T], equal func(a, b T) bool) (Source, bool) {
	winner, ok := Resolve(v.API.Stamp(), v.Local.Stamp(), v.Self.Stamp())
	if !ok {
		return Self, false
	}

	var slot Slot[T]
	switch winner {
	case API:
		slot = v.API
	case Local:
		slot = v.Local
	default:
		return Self, false
	}

	changed := !equal(v.Self.Value, slot.Value)
	v.Self = slot
	return winner, changed
}
