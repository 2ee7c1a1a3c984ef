package solver

import (
	"errors"
	"fmt"
)

// ErrUnknownMinimizer is returned by ParseMinimizer for unrecognized names.
var ErrUnknownMinimizer = errors.New("unknown minimizer")

// Minimizer selects the numerical backend.
type Minimizer string

const (
	// LSMR is the Fong-Saunders Krylov solver, linear loss only.
	LSMR Minimizer = "lsmr"
	// LSQR is the Paige-Saunders Krylov solver, linear loss only.
	LSQR Minimizer = "lsqr"
	// LBFGSB is a limited-memory quasi-Newton method with a
	// non-negativity bound; it supports every loss.
	LBFGSB Minimizer = "L-BFGS-B"
)

// ParseMinimizer validates a minimizer name.
func ParseMinimizer(s string) (Minimizer, error) {
	switch m := Minimizer(s); m {
	case LSMR, LSQR, LBFGSB:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q (want lsmr, lsqr or L-BFGS-B)", ErrUnknownMinimizer, s)
}

// Supports reports whether m can minimize the given loss.
func (m Minimizer) Supports(l Loss) bool {
	return l == Linear || m == LBFGSB
}

// ResolveMinimizer returns the minimizer actually used for loss. Krylov
// solvers only handle the linear loss; any other loss falls back to
// L-BFGS-B and downgraded is true.
func ResolveMinimizer(m Minimizer, l Loss) (effective Minimizer, downgraded bool) {
	if m.Supports(l) {
		return m, false
	}
	return LBFGSB, true
}
