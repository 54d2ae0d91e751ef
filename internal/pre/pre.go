package pre

import (
	"crypto/rand"
	"crypto/sha3"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"
)

type Scalar = group.Scalar
type Element = group.Element

const (
	capsuleDST = "prenet/pre/capsule"
	rekeyDST   = "prenet/pre/rekey"
	shareDST   = "prenet/pre/share"
	kemLabel   = "prenet/pre/kem"
)

var ErrInvalidCapsule = errors.New("invalid capsule")

func Suite() group.Group {
	return group.Ristretto255
}

type PrivateKey struct {
	s Scalar
}

type PublicKey struct {
	p Element
}

func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	s := Suite().RandomNonZeroScalar(rand.Reader)
	p := Suite().NewElement().MulGen(s)
	return &PrivateKey{s: s}, &PublicKey{p: p}, nil
}

func (k *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{p: Suite().NewElement().MulGen(k.s)}
}

// Capsule is the re-encryption-enabling envelope that rides next to a
// ciphertext. E and V commit to the encapsulation randomness; S is a
// Schnorr-style tag binding them, checkable by anyone.
type Capsule struct {
	E Element
	V Element
	S Scalar
}

// Encapsulate derives a fresh 32-byte symmetric key under the policy public
// key and the capsule that lets a proxy transform it for a recipient.
func Encapsulate(pk *PublicKey) (*Capsule, []byte, error) {
	if pk == nil || pk.p == nil {
		return nil, nil, fmt.Errorf("nil public key")
	}
	g := Suite()
	r := g.RandomNonZeroScalar(rand.Reader)
	u := g.RandomNonZeroScalar(rand.Reader)
	e := g.NewElement().MulGen(r)
	v := g.NewElement().MulGen(u)
	h := hashCapsule(e, v)
	rh := g.NewScalar().Mul(r, h)
	s := g.NewScalar().Add(u, rh)

	ru := g.NewScalar().Add(r, u)
	shared := g.NewElement().Mul(pk.p, ru)
	return &Capsule{E: e, V: v, S: s}, kdf(shared), nil
}

// Check verifies the capsule tag: g^s must equal V + E*H(E,V). A capsule that
// fails here must never be transformed or combined.
func (c *Capsule) Check() error {
	if c == nil || c.E == nil || c.V == nil || c.S == nil {
		return fmt.Errorf("%w: missing fields", ErrInvalidCapsule)
	}
	g := Suite()
	lhs := g.NewElement().MulGen(c.S)
	rhs := g.NewElement().Mul(c.E, hashCapsule(c.E, c.V))
	rhs.Add(rhs, c.V)
	if !lhs.IsEqual(rhs) {
		return fmt.Errorf("%w: tag mismatch", ErrInvalidCapsule)
	}
	return nil
}

// Decapsulate recovers the symmetric key with the delegator's own private
// key, no proxies involved.
func Decapsulate(sk *PrivateKey, c *Capsule) ([]byte, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	g := Suite()
	ev := g.NewElement().Add(c.E, c.V)
	shared := g.NewElement().Mul(ev, sk.s)
	return kdf(shared), nil
}

func hashCapsule(e, v Element) Scalar {
	eb, _ := e.MarshalBinaryCompress()
	vb, _ := v.MarshalBinaryCompress()
	buf := make([]byte, 0, len(eb)+len(vb))
	buf = append(buf, eb...)
	buf = append(buf, vb...)
	return Suite().HashToScalar(buf, []byte(capsuleDST))
}

func hashRekey(precursor Element, recipient Element, dh Element) Scalar {
	xb, _ := precursor.MarshalBinaryCompress()
	bb, _ := recipient.MarshalBinaryCompress()
	db, _ := dh.MarshalBinaryCompress()
	buf := make([]byte, 0, len(xb)+len(bb)+len(db))
	buf = append(buf, xb...)
	buf = append(buf, bb...)
	buf = append(buf, db...)
	return Suite().HashToScalar(buf, []byte(rekeyDST))
}

func shareScalar(id []byte, d Scalar) Scalar {
	db, _ := d.MarshalBinary()
	buf := make([]byte, 0, len(id)+len(db))
	buf = append(buf, id...)
	buf = append(buf, db...)
	return Suite().HashToScalar(buf, []byte(shareDST))
}

func kdf(shared Element) []byte {
	sb, _ := shared.MarshalBinaryCompress()
	buf := make([]byte, 0, len(kemLabel)+len(sb))
	buf = append(buf, []byte(kemLabel)...)
	buf = append(buf, sb...)
	sum := sha3.Sum256(buf)
	return sum[:]
}
