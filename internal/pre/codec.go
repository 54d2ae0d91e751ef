package pre

import (
	"fmt"
)

// Fixed-width binary forms, compressed points throughout. These are the bytes
// that ride inside the JSON wire messages (base64) and the JSONL stores.

func elementLen() int {
	return int(Suite().Params().CompressedElementLength)
}

func scalarLen() int {
	return int(Suite().Params().ScalarLength)
}

func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.p.MarshalBinaryCompress()
}

func (k *PublicKey) UnmarshalBinary(b []byte) error {
	p := Suite().NewElement()
	if err := p.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("unmarshal public key: %w", err)
	}
	k.p = p
	return nil
}

func (k *PrivateKey) MarshalBinary() ([]byte, error) {
	return k.s.MarshalBinary()
}

func (k *PrivateKey) UnmarshalBinary(b []byte) error {
	s := Suite().NewScalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("unmarshal private key: %w", err)
	}
	k.s = s
	return nil
}

func (c *Capsule) MarshalBinary() ([]byte, error) {
	eb, err := c.E.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	vb, err := c.V.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	sb, err := c.S.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(eb)+len(vb)+len(sb))
	out = append(out, eb...)
	out = append(out, vb...)
	out = append(out, sb...)
	return out, nil
}

func (c *Capsule) UnmarshalBinary(b []byte) error {
	el, sl := elementLen(), scalarLen()
	if len(b) != 2*el+sl {
		return fmt.Errorf("%w: bad capsule length %d", ErrInvalidCapsule, len(b))
	}
	g := Suite()
	e := g.NewElement()
	if err := e.UnmarshalBinary(b[:el]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapsule, err)
	}
	v := g.NewElement()
	if err := v.UnmarshalBinary(b[el : 2*el]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapsule, err)
	}
	s := g.NewScalar()
	if err := s.UnmarshalBinary(b[2*el:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapsule, err)
	}
	c.E, c.V, c.S = e, v, s
	return nil
}

func (kf *KFrag) MarshalBinary() ([]byte, error) {
	if len(kf.ID) != KFragIDSize {
		return nil, fmt.Errorf("bad kfrag id length %d", len(kf.ID))
	}
	rb, err := kf.RK.MarshalBinary()
	if err != nil {
		return nil, err
	}
	xb, err := kf.Precursor.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, KFragIDSize+len(rb)+len(xb))
	out = append(out, kf.ID...)
	out = append(out, rb...)
	out = append(out, xb...)
	return out, nil
}

func (kf *KFrag) UnmarshalBinary(b []byte) error {
	el, sl := elementLen(), scalarLen()
	if len(b) != KFragIDSize+sl+el {
		return fmt.Errorf("bad kfrag length %d", len(b))
	}
	g := Suite()
	id := make([]byte, KFragIDSize)
	copy(id, b[:KFragIDSize])
	rk := g.NewScalar()
	if err := rk.UnmarshalBinary(b[KFragIDSize : KFragIDSize+sl]); err != nil {
		return fmt.Errorf("unmarshal kfrag share: %w", err)
	}
	x := g.NewElement()
	if err := x.UnmarshalBinary(b[KFragIDSize+sl:]); err != nil {
		return fmt.Errorf("unmarshal kfrag precursor: %w", err)
	}
	kf.ID, kf.RK, kf.Precursor = id, rk, x
	return nil
}

func (cf *CFrag) MarshalBinary() ([]byte, error) {
	if len(cf.ID) != KFragIDSize {
		return nil, fmt.Errorf("bad cfrag id length %d", len(cf.ID))
	}
	eb, err := cf.E1.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	vb, err := cf.V1.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	xb, err := cf.Precursor.MarshalBinaryCompress()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(eb)+len(vb)+len(xb)+KFragIDSize)
	out = append(out, eb...)
	out = append(out, vb...)
	out = append(out, xb...)
	out = append(out, cf.ID...)
	return out, nil
}

func (cf *CFrag) UnmarshalBinary(b []byte) error {
	el := elementLen()
	if len(b) != 3*el+KFragIDSize {
		return fmt.Errorf("bad cfrag length %d", len(b))
	}
	g := Suite()
	e1 := g.NewElement()
	if err := e1.UnmarshalBinary(b[:el]); err != nil {
		return fmt.Errorf("unmarshal cfrag E1: %w", err)
	}
	v1 := g.NewElement()
	if err := v1.UnmarshalBinary(b[el : 2*el]); err != nil {
		return fmt.Errorf("unmarshal cfrag V1: %w", err)
	}
	x := g.NewElement()
	if err := x.UnmarshalBinary(b[2*el : 3*el]); err != nil {
		return fmt.Errorf("unmarshal cfrag precursor: %w", err)
	}
	id := make([]byte, KFragIDSize)
	copy(id, b[3*el:])
	cf.E1, cf.V1, cf.Precursor, cf.ID = e1, v1, x, id
	return nil
}
