package pre

import (
	"crypto/rand"
	"fmt"
)

// KFragIDSize is the length of a key fragment identifier.
const KFragIDSize = 16

// KFrag is one proxy's share of a re-encryption key. It carries the share
// identifier, the scalar share itself, and the precursor point the recipient
// needs to rebuild the evaluation domain.
type KFrag struct {
	ID        []byte
	RK        Scalar
	Precursor Element
}

// ReKeyGen derives `shares` key fragments that re-encrypt from the
// delegator's key to the recipient's, any `threshold` of which suffice to
// decapsulate. The split hides the re-encryption key rk = a / d, where d is
// computable only by the recipient (and the delegator).
func ReKeyGen(delegator *PrivateKey, recipient *PublicKey, threshold, shares int) ([]*KFrag, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	if shares < threshold {
		return nil, fmt.Errorf("shares %d below threshold %d", shares, threshold)
	}
	g := Suite()
	x := g.RandomNonZeroScalar(rand.Reader)
	precursor := g.NewElement().MulGen(x)
	dh := g.NewElement().Mul(recipient.p, x)
	d := hashRekey(precursor, recipient.p, dh)

	rk := g.NewScalar().Inv(d)
	rk.Mul(rk, delegator.s)

	poly := randomPolynomial(rk, threshold)
	out := make([]*KFrag, 0, shares)
	for i := 0; i < shares; i++ {
		id := make([]byte, KFragIDSize)
		if _, err := rand.Read(id); err != nil {
			return nil, err
		}
		xi := shareScalar(id, d)
		out = append(out, &KFrag{
			ID:        id,
			RK:        poly.eval(xi),
			Precursor: precursor.Copy(),
		})
	}
	return out, nil
}
