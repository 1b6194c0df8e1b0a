package store

// Bound describes one side of a range scan.
type Bound int

const (
	// Open leaves the side unbounded.
	Open Bound = iota
	// Inclusive admits records equal to the boundary.
	Inclusive
	// Exclusive rejects records equal to the boundary.
	Exclusive
)

// Range selects a slice of a store's key space. Start and End carry the
// leading ordering property values for their side; they are ignored when the
// corresponding bound is Open. ReverseRange means the range was stated with
// its sides swapped; ReverseOrder yields results in descending key order.
type Range struct {
	Start      []interface{}
	StartBound Bound
	End        []interface{}
	EndBound   Bound

	ReverseRange bool
	ReverseOrder bool

	// ForUpdate escalates the scan's transactional lock to a hold that
	// survives until the enclosing transaction finishes.
	ForUpdate bool
}

// Boundary probes carry a tie-breaker so an inclusive or exclusive side
// turns into a plain ceiling (or floor) search on the ordered map: a probe
// tagged "just before" its property values compares smaller than any real
// record carrying those values, one tagged "just after" compares greater,
// and no probe ever compares equal to a real record.
const (
	tieBefore = -1
	tieAfter  = +1
)

// scanBounds is a Range resolved against a store's binding: absolute probe
// records for each closed side plus the iteration direction.
type scanBounds struct {
	start   Record // nil when the low side is open
	end     Record // nil when the high side is open
	reverse bool
}

func (s *Store) resolveRange(r Range) scanBounds {
	start, startBound := r.Start, r.StartBound
	end, endBound := r.End, r.EndBound
	if r.ReverseRange {
		start, end = end, start
		startBound, endBound = endBound, startBound
	}

	var b scanBounds
	switch startBound {
	case Inclusive:
		b.start = s.binding.NewProbe(tieBefore, start...)
	case Exclusive:
		b.start = s.binding.NewProbe(tieAfter, start...)
	}
	switch endBound {
	case Inclusive:
		b.end = s.binding.NewProbe(tieAfter, end...)
	case Exclusive:
		b.end = s.binding.NewProbe(tieBefore, end...)
	}
	b.reverse = r.ReverseOrder
	return b
}

// within reports whether rec lies inside the bounds. Probes never compare
// equal to records, so the checks are strict.
func (b *scanBounds) within(cmp func(a, c Record) int, rec Record) bool {
	if b.start != nil && cmp(rec, b.start) < 0 {
		return false
	}
	if b.end != nil && cmp(rec, b.end) > 0 {
		return false
	}
	return true
}
