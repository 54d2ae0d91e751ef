package pre

import (
	"crypto/rand"
	"fmt"
)

// Threshold secret sharing over the group's scalar field. The secret sits at
// f(0); shares are evaluations at hash-derived points known only to parties
// that can compute the re-encryption factor d.

type polynomial []Scalar

func randomPolynomial(secret Scalar, threshold int) polynomial {
	coeffs := make(polynomial, threshold)
	coeffs[0] = secret.Copy()
	for i := 1; i < threshold; i++ {
		coeffs[i] = Suite().RandomNonZeroScalar(rand.Reader)
	}
	return coeffs
}

func (p polynomial) eval(x Scalar) Scalar {
	// Horner, highest coefficient first.
	out := p[len(p)-1].Copy()
	for i := len(p) - 2; i >= 0; i-- {
		out.Mul(out, x)
		out.Add(out, p[i])
	}
	return out
}

// lagrangeCoefficient computes the weight of share i when interpolating f(0)
// from the evaluation points xs.
func lagrangeCoefficient(i int, xs []Scalar) (Scalar, error) {
	g := Suite()
	num := g.NewScalar().SetUint64(1)
	den := g.NewScalar().SetUint64(1)
	zero := g.NewScalar()
	for j := range xs {
		if j == i {
			continue
		}
		num.Mul(num, xs[j])
		diff := g.NewScalar().Sub(xs[j], xs[i])
		if diff.IsEqual(zero) {
			return nil, fmt.Errorf("duplicate evaluation point at %d", j)
		}
		den.Mul(den, diff)
	}
	out := g.NewScalar().Inv(den)
	out.Mul(out, num)
	return out, nil
}
