package solver

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownLoss is returned by ParseLoss for unrecognized names.
var ErrUnknownLoss = errors.New("unknown data loss")

// DefaultHuberGamma is the Huber tuning constant giving about 95%
// efficiency under Gaussian noise.
const DefaultHuberGamma = 1.345

// Loss is the function rho applied to squared residuals in the data term
// 1/2 sum_i rho(r_i^2).
type Loss int

const (
	Linear Loss = iota
	SoftL1
	Huber
	Cauchy
	Arctan
)

func (l Loss) String() string {
	switch l {
	case Linear:
		return "linear"
	case SoftL1:
		return "soft_l1"
	case Huber:
		return "huber"
	case Cauchy:
		return "cauchy"
	case Arctan:
		return "arctan"
	}
	return fmt.Sprintf("Loss(%d)", int(l))
}

// ParseLoss converts a configuration name into a Loss.
func ParseLoss(s string) (Loss, error) {
	for _, l := range []Loss{Linear, SoftL1, Huber, Cauchy, Arctan} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want linear, soft_l1, huber, cauchy or arctan)", ErrUnknownLoss, s)
}

// lossFunc evaluates rho and its derivative for a squared residual. Huber
// is scaled by gamma: rho_gamma(s) = gamma^2 rho(s/gamma^2).
type lossFunc struct {
	loss  Loss
	scale float64 // gamma^2 for Huber, 1 otherwise
}

func newLossFunc(l Loss, huberGamma float64) lossFunc {
	f := lossFunc{loss: l, scale: 1}
	if l == Huber {
		f.scale = huberGamma * huberGamma
	}
	return f
}

// eval returns rho(s) and d rho / d s for s = r^2.
func (f lossFunc) eval(s float64) (rho, drho float64) {
	z := s / f.scale
	switch f.loss {
	case SoftL1:
		t := math.Sqrt(1 + z)
		rho, drho = 2*(t-1), 1/t
	case Huber:
		if z <= 1 {
			rho, drho = z, 1
		} else {
			t := math.Sqrt(z)
			rho, drho = 2*t-1, 1/t
		}
	case Cauchy:
		rho, drho = math.Log1p(z), 1/(1+z)
	case Arctan:
		rho, drho = math.Atan(z), 1/(1+z*z)
	default:
		rho, drho = z, 1
	}
	return f.scale * rho, drho
}
