package pre

import (
	"encoding/hex"
	"fmt"
)

// CFrag is a proxy's partial transformation of a capsule under its key
// fragment.
type CFrag struct {
	E1        Element
	V1        Element
	ID        []byte
	Precursor Element
}

// ReEncapsulate applies a key fragment to a capsule. The capsule tag is
// checked first; a proxy must refuse to transform a forged capsule.
func ReEncapsulate(kf *KFrag, c *Capsule) (*CFrag, error) {
	if kf == nil || kf.RK == nil || kf.Precursor == nil {
		return nil, fmt.Errorf("nil kfrag")
	}
	if err := c.Check(); err != nil {
		return nil, err
	}
	g := Suite()
	id := make([]byte, len(kf.ID))
	copy(id, kf.ID)
	return &CFrag{
		E1:        g.NewElement().Mul(c.E, kf.RK),
		V1:        g.NewElement().Mul(c.V, kf.RK),
		ID:        id,
		Precursor: kf.Precursor.Copy(),
	}, nil
}

// DecapsulateFrags combines at least `threshold` capsule fragments with the
// recipient's private key and recovers the symmetric key. Fragment order is
// irrelevant; duplicate or cross-policy fragments are rejected.
func DecapsulateFrags(recipient *PrivateKey, c *Capsule, cfrags []*CFrag) ([]byte, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	if len(cfrags) == 0 {
		return nil, fmt.Errorf("no capsule fragments")
	}
	g := Suite()
	precursor := cfrags[0].Precursor
	seen := make(map[string]bool, len(cfrags))
	for i, cf := range cfrags {
		if cf == nil || cf.E1 == nil || cf.V1 == nil || cf.Precursor == nil {
			return nil, fmt.Errorf("nil capsule fragment at %d", i)
		}
		if !cf.Precursor.IsEqual(precursor) {
			return nil, fmt.Errorf("capsule fragment %d from a different policy", i)
		}
		key := hex.EncodeToString(cf.ID)
		if seen[key] {
			return nil, fmt.Errorf("duplicate capsule fragment %s", key)
		}
		seen[key] = true
	}

	recipientPub := g.NewElement().MulGen(recipient.s)
	dh := g.NewElement().Mul(precursor, recipient.s)
	d := hashRekey(precursor, recipientPub, dh)

	xs := make([]Scalar, len(cfrags))
	for i, cf := range cfrags {
		xs[i] = shareScalar(cf.ID, d)
	}

	eSum := g.Identity()
	vSum := g.Identity()
	for i, cf := range cfrags {
		lambda, err := lagrangeCoefficient(i, xs)
		if err != nil {
			return nil, err
		}
		eSum.Add(eSum, g.NewElement().Mul(cf.E1, lambda))
		vSum.Add(vSum, g.NewElement().Mul(cf.V1, lambda))
	}
	ev := g.NewElement().Add(eSum, vSum)
	shared := g.NewElement().Mul(ev, d)
	return kdf(shared), nil
}
