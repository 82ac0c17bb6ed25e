// Package pidset implements a fixed 8192-bit PID membership set used
// throughout the pipeline to track "which PIDs have I seen/selected"
// without resorting to a map.
package pidset

import "github.com/zsiec/tsforge/internal/tspacket"

const words = tspacket.PIDMax / 64

// Set is an 8192-bit fixed bitset indexed by PID.
type Set struct {
	bits [words]uint64
}

// New returns an empty PID set.
func New() *Set {
	return &Set{}
}

// Set marks pid as present.
func (s *Set) Set(pid uint16) {
	s.bits[pid/64] |= 1 << (pid % 64)
}

// Clear unmarks pid.
func (s *Set) Clear(pid uint16) {
	s.bits[pid/64] &^= 1 << (pid % 64)
}

// Test reports whether pid is present.
func (s *Set) Test(pid uint16) bool {
	return s.bits[pid/64]&(1<<(pid%64)) != 0
}

// Reset clears every bit.
func (s *Set) Reset() {
	for i := range s.bits {
		s.bits[i] = 0
	}
}

// Count returns the number of PIDs currently set.
func (s *Set) Count() int {
	n := 0
	for _, w := range s.bits {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// FirstUnset returns the lowest PID at or above start that is not set, or
// false if none remains below tspacket.PIDMax. Used by the scrambler to
// allocate an ECM PID starting just above the PMT PID.
func (s *Set) FirstUnset(start uint16) (uint16, bool) {
	for pid := start; pid < tspacket.PIDMax; pid++ {
		if !s.Test(pid) {
			return pid, true
		}
	}
	return 0, false
}
