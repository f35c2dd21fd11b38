package fblocks

// RTrig detects a rising (false-to-true) edge: Q is true for exactly one
// Update call per transition.
type RTrig struct {
	last bool
}

func (r *RTrig) Update(in bool) (q bool) {
	q = in && !r.last
	r.last = in
	return q
}

// FTrig detects a falling (true-to-false) edge.
type FTrig struct {
	last bool
}

func (f *FTrig) Update(in bool) (q bool) {
	q = !in && f.last
	f.last = in
	return q
}

// SRBistable is a set-dominant bistable: when both Set and Reset are
// true simultaneously, Set wins.
type SRBistable struct {
	q bool
}

func (b *SRBistable) Update(set, reset bool) (q bool) {
	if set {
		b.q = true
	} else if reset {
		b.q = false
	}
	return b.q
}

// RSBistable is a reset-dominant bistable: when both Set and Reset are
// true simultaneously, Reset wins.
type RSBistable struct {
	q bool
}

func (b *RSBistable) Update(set, reset bool) (q bool) {
	if reset {
		b.q = false
	} else if set {
		b.q = true
	}
	return b.q
}
