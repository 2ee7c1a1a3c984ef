package solver

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// linearOperator is a matrix-free m x n operator.
type linearOperator struct {
	m, n    int
	apply   func(x []float64) ([]float64, error)
	adjoint func(u []float64) ([]float64, error)
}

type krylovSettings struct {
	iterMax int
	atol    float64
	btol    float64
	conlim  float64
	logger  *slog.Logger
}

type krylovResult struct {
	x          []float64
	iterations int
	converged  bool
	residual   float64 // estimate of ||b - Ax||
}

// stopCode mirrors the Paige-Saunders stopping tests. Zero means continue.
func stopCode(test1, test2, test3, t1, rtol, atol, ctol float64) int {
	switch {
	case 1+test3 <= 1:
		return 6
	case 1+test2 <= 1:
		return 5
	case 1+t1 <= 1:
		return 4
	case test3 <= ctol:
		return 3
	case test2 <= atol:
		return 2
	case test1 <= rtol:
		return 1
	}
	return 0
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// bidiagStep advances the Golub-Kahan bidiagonalization:
// u = (A v - alpha u)/beta, v = (A^T u - beta v)/alpha.
func bidiagStep(op linearOperator, u, v []float64, alpha float64) (beta, alphaNext float64, err error) {
	av, err := op.apply(v)
	if err != nil {
		return 0, 0, err
	}
	floats.AddScaledTo(u, av, -alpha, u)
	beta = floats.Norm(u, 2)
	alphaNext = alpha
	if beta > 0 {
		floats.Scale(1/beta, u)
		atu, err := op.adjoint(u)
		if err != nil {
			return 0, 0, err
		}
		floats.AddScaledTo(v, atu, -beta, v)
		alphaNext = floats.Norm(v, 2)
		if alphaNext > 0 {
			floats.Scale(1/alphaNext, v)
		}
	}
	if !finite(beta, alphaNext) {
		return 0, 0, fmt.Errorf("%w: bidiagonalization produced beta=%g alpha=%g", ErrNonFinite, beta, alphaNext)
	}
	return beta, alphaNext, nil
}

// startBidiag computes the first Lanczos vectors for rhs b.
func startBidiag(op linearOperator, b []float64) (u, v []float64, beta, alpha float64, err error) {
	u = make([]float64, len(b))
	copy(u, b)
	beta = floats.Norm(u, 2)
	if !finite(beta) {
		return nil, nil, 0, 0, fmt.Errorf("%w: right-hand side", ErrNonFinite)
	}
	if beta > 0 {
		floats.Scale(1/beta, u)
	}
	v, err = op.adjoint(u)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	alpha = floats.Norm(v, 2)
	if !finite(alpha) {
		return nil, nil, 0, 0, fmt.Errorf("%w: initial adjoint", ErrNonFinite)
	}
	if alpha > 0 {
		floats.Scale(1/alpha, v)
	}
	return u, v, beta, alpha, nil
}

// lsqr solves min ||A x - b|| with the Paige-Saunders LSQR algorithm.
func lsqr(op linearOperator, b []float64, s krylovSettings) (krylovResult, error) {
	x := make([]float64, op.n)
	u, v, beta, alpha, err := startBidiag(op, b)
	if err != nil {
		return krylovResult{}, err
	}
	if beta == 0 || alpha == 0 {
		return krylovResult{x: x, converged: true, residual: beta}, nil
	}

	w := make([]float64, op.n)
	copy(w, v)
	rhobar, phibar := alpha, beta
	bnorm := beta
	var anorm, ddnorm, xxnorm, z, sn2 float64
	cs2 := -1.0
	ctol := 0.0
	if s.conlim > 0 {
		ctol = 1 / s.conlim
	}

	for itn := 1; itn <= s.iterMax; itn++ {
		alphaOld := alpha
		beta, alpha, err = bidiagStep(op, u, v, alpha)
		if err != nil {
			return krylovResult{}, err
		}
		anorm = math.Sqrt(anorm*anorm + alphaOld*alphaOld + beta*beta)

		rho := math.Hypot(rhobar, beta)
		cs := rhobar / rho
		sn := beta / rho
		theta := sn * alpha
		rhobar = -cs * alpha
		phi := cs * phibar
		phibar = sn * phibar
		tau := sn * phi

		wn := floats.Norm(w, 2) / rho
		ddnorm += wn * wn
		floats.AddScaled(x, phi/rho, w)
		floats.AddScaledTo(w, v, -theta/rho, w)

		delta := sn2 * rho
		gambar := -cs2 * rho
		rhs := phi - delta*z
		zbar := rhs / gambar
		xnorm := math.Sqrt(xxnorm + zbar*zbar)
		gamma := math.Hypot(gambar, theta)
		cs2 = gambar / gamma
		sn2 = theta / gamma
		z = rhs / gamma
		xxnorm += z * z

		acond := anorm * math.Sqrt(ddnorm)
		rnorm := math.Abs(phibar)
		arnorm := alpha * math.Abs(tau)
		if !finite(rnorm, arnorm, xnorm) {
			return krylovResult{}, fmt.Errorf("%w: lsqr iteration %d", ErrNonFinite, itn)
		}

		test1 := rnorm / bnorm
		test2 := math.Inf(1)
		if anorm*rnorm != 0 {
			test2 = arnorm / (anorm * rnorm)
		}
		test3 := 1 / acond
		t1 := test1 / (1 + anorm*xnorm/bnorm)
		rtol := s.btol + s.atol*anorm*xnorm/bnorm

		s.logger.Debug("lsqr iteration", "iter", itn, "residual", rnorm, "normalResidual", arnorm)
		if code := stopCode(test1, test2, test3, t1, rtol, s.atol, ctol); code > 0 {
			return krylovResult{x: x, iterations: itn, converged: true, residual: rnorm}, nil
		}
		if itn == s.iterMax {
			return krylovResult{x: x, iterations: itn, residual: rnorm}, nil
		}
	}
	return krylovResult{x: x, residual: bnorm}, nil
}

// lsmr solves min ||A x - b|| with the Fong-Saunders LSMR algorithm, which
// reduces ||A^T r|| monotonically.
func lsmr(op linearOperator, b []float64, s krylovSettings) (krylovResult, error) {
	x := make([]float64, op.n)
	u, v, beta, alpha, err := startBidiag(op, b)
	if err != nil {
		return krylovResult{}, err
	}
	if beta == 0 || alpha == 0 {
		return krylovResult{x: x, converged: true, residual: beta}, nil
	}

	zetabar := alpha * beta
	alphabar := alpha
	rho, rhobar, cbar, sbar := 1.0, 1.0, 1.0, 0.0

	h := make([]float64, op.n)
	copy(h, v)
	hbar := make([]float64, op.n)

	betadd, betad := beta, 0.0
	rhodold, tautildeold, thetatilde, zeta, d := 1.0, 0.0, 0.0, 0.0, 0.0

	normA2 := alpha * alpha
	maxrbar, minrbar := 0.0, 1e100
	normb := beta
	ctol := 0.0
	if s.conlim > 0 {
		ctol = 1 / s.conlim
	}

	for itn := 1; itn <= s.iterMax; itn++ {
		beta, alpha, err = bidiagStep(op, u, v, alpha)
		if err != nil {
			return krylovResult{}, err
		}

		// Without damping the first rotation is the identity.
		alphahat := alphabar

		rhoold := rho
		rho = math.Hypot(alphahat, beta)
		c := alphahat / rho
		sn := beta / rho
		thetanew := sn * alpha
		alphabar = c * alpha

		rhobarold := rhobar
		zetaold := zeta
		thetabar := sbar * rho
		rhotemp := cbar * rho
		rhobar = math.Hypot(cbar*rho, thetanew)
		cbar = cbar * rho / rhobar
		sbar = thetanew / rhobar
		zeta = cbar * zetabar
		zetabar = -sbar * zetabar

		floats.AddScaledTo(hbar, h, -thetabar*rho/(rhoold*rhobarold), hbar)
		floats.AddScaled(x, zeta/(rho*rhobar), hbar)
		floats.AddScaledTo(h, v, -thetanew/rho, h)

		// Estimate ||r||.
		betaacute := betadd
		betahat := c * betaacute
		betadd = -sn * betaacute

		thetatildeold := thetatilde
		rhotildeold := math.Hypot(rhodold, thetabar)
		ctildeold := rhodold / rhotildeold
		stildeold := thetabar / rhotildeold
		thetatilde = stildeold * rhobar
		rhodold = ctildeold * rhobar
		betad = -stildeold*betad + ctildeold*betahat

		tautildeold = (zetaold - thetatildeold*tautildeold) / rhotildeold
		taud := (zeta - thetatilde*tautildeold) / rhodold
		normr := math.Sqrt(d + (betad-taud)*(betad-taud) + betadd*betadd)

		normA2 += beta * beta
		normA := math.Sqrt(normA2)
		normA2 += alpha * alpha

		maxrbar = math.Max(maxrbar, rhobarold)
		if itn > 1 {
			minrbar = math.Min(minrbar, rhobarold)
		}
		condA := math.Max(maxrbar, rhotemp) / math.Min(minrbar, rhotemp)

		normar := math.Abs(zetabar)
		normx := floats.Norm(x, 2)
		if !finite(normr, normar, normx) {
			return krylovResult{}, fmt.Errorf("%w: lsmr iteration %d", ErrNonFinite, itn)
		}

		test1 := normr / normb
		test2 := math.Inf(1)
		if normA*normr != 0 {
			test2 = normar / (normA * normr)
		}
		test3 := 1 / condA
		t1 := test1 / (1 + normA*normx/normb)
		rtol := s.btol + s.atol*normA*normx/normb

		s.logger.Debug("lsmr iteration", "iter", itn, "residual", normr, "normalResidual", normar)
		if code := stopCode(test1, test2, test3, t1, rtol, s.atol, ctol); code > 0 {
			return krylovResult{x: x, iterations: itn, converged: true, residual: normr}, nil
		}
		if itn == s.iterMax {
			return krylovResult{x: x, iterations: itn, residual: normr}, nil
		}
	}
	return krylovResult{x: x, residual: normb}, nil
}
