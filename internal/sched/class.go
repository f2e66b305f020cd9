package sched

import "time"

// Class is a scheduling class. Cross-class ordering is strict:
// RT preempts DL and BE, DL preempts BE.
type Class uint8

const (
	// ClassRT is fixed-priority real time.
	ClassRT Class = iota
	// ClassDL is deadline scheduling: (period, budget) with EDF among
	// admitted threads.
	ClassDL
	// ClassBE is best effort: weighted round-robin time slicing.
	ClassBE
)

// String returns the class mnemonic.
func (c Class) String() string {
	switch c {
	case ClassRT:
		return "rt"
	case ClassDL:
		return "dl"
	case ClassBE:
		return "be"
	default:
		return "unknown"
	}
}

// NumRTPriorities is the count of RT priority levels. Higher value
// runs first.
const NumRTPriorities = 32

// Params carries class-specific scheduling parameters.
type Params struct {
	// Priority is the RT level, 0..NumRTPriorities-1.
	Priority int `json:"priority,omitempty"`
	// Weight scales a BE thread's time slice; 0 means 1 (uniform
	// round robin).
	Weight int `json:"weight,omitempty"`
	// Period and Budget declare a DL thread's reservation.
	Period time.Duration `json:"period,omitempty"`
	Budget time.Duration `json:"budget,omitempty"`
}

// Utilization returns Budget/Period for DL admission.
func (p Params) Utilization() float64 {
	if p.Period <= 0 {
		return 0
	}
	return float64(p.Budget) / float64(p.Period)
}
