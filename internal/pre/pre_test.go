package pre_test

import (
	"bytes"
	"errors"
	"testing"

	"prenet/internal/pre"
)

func TestEncapsulateDecapsulate(t *testing.T) {
	sk, pk, err := pre.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	capsule, key, err := pre.Encapsulate(pk)
	if err != nil {
		t.Fatalf("encapsulate failed: %v", err)
	}
	if err := capsule.Check(); err != nil {
		t.Fatalf("capsule check failed: %v", err)
	}
	got, err := pre.Decapsulate(sk, capsule)
	if err != nil {
		t.Fatalf("decapsulate failed: %v", err)
	}
	if !bytes.Equal(key, got) {
		t.Fatalf("delegator-side key mismatch")
	}
}

func TestCapsuleCheckRejectsTamper(t *testing.T) {
	_, pk, _ := pre.GenerateKeyPair()
	capsule, _, err := pre.Encapsulate(pk)
	if err != nil {
		t.Fatalf("encapsulate failed: %v", err)
	}
	other, _, err := pre.Encapsulate(pk)
	if err != nil {
		t.Fatalf("encapsulate failed: %v", err)
	}
	capsule.V = other.V
	if err := capsule.Check(); !errors.Is(err, pre.ErrInvalidCapsule) {
		t.Fatalf("expected ErrInvalidCapsule, got %v", err)
	}
}

func reencryptSubset(t *testing.T, kfrags []*pre.KFrag, capsule *pre.Capsule, idx []int) []*pre.CFrag {
	t.Helper()
	out := make([]*pre.CFrag, 0, len(idx))
	for _, i := range idx {
		cf, err := pre.ReEncapsulate(kfrags[i], capsule)
		if err != nil {
			t.Fatalf("reencapsulate %d failed: %v", i, err)
		}
		out = append(out, cf)
	}
	return out
}

func TestThresholdRoundTripAnySubset(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	recipient, recipientPub, _ := pre.GenerateKeyPair()

	const m, n = 2, 4
	kfrags, err := pre.ReKeyGen(delegator, recipientPub, m, n)
	if err != nil {
		t.Fatalf("rekeygen failed: %v", err)
	}
	capsule, key, err := pre.Encapsulate(delegatorPub)
	if err != nil {
		t.Fatalf("encapsulate failed: %v", err)
	}

	subsets := [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}, {3, 1}, {2, 0}}
	for _, idx := range subsets {
		cfrags := reencryptSubset(t, kfrags, capsule, idx)
		got, err := pre.DecapsulateFrags(recipient, capsule, cfrags)
		if err != nil {
			t.Fatalf("decapsulate subset %v failed: %v", idx, err)
		}
		if !bytes.Equal(key, got) {
			t.Fatalf("subset %v recovered wrong key", idx)
		}
	}
}

func TestBelowThresholdRecoversNothing(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	recipient, recipientPub, _ := pre.GenerateKeyPair()

	kfrags, err := pre.ReKeyGen(delegator, recipientPub, 3, 5)
	if err != nil {
		t.Fatalf("rekeygen failed: %v", err)
	}
	capsule, key, err := pre.Encapsulate(delegatorPub)
	if err != nil {
		t.Fatalf("encapsulate failed: %v", err)
	}
	cfrags := reencryptSubset(t, kfrags, capsule, []int{0, 1})
	got, err := pre.DecapsulateFrags(recipient, capsule, cfrags)
	if err == nil && bytes.Equal(key, got) {
		t.Fatalf("recovered key below threshold")
	}
}

func TestDecapsulateRejectsDuplicates(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	recipient, recipientPub, _ := pre.GenerateKeyPair()
	kfrags, _ := pre.ReKeyGen(delegator, recipientPub, 2, 2)
	capsule, _, _ := pre.Encapsulate(delegatorPub)
	cfrags := reencryptSubset(t, kfrags, capsule, []int{0, 0})
	if _, err := pre.DecapsulateFrags(recipient, capsule, cfrags); err == nil {
		t.Fatalf("expected duplicate fragment rejection")
	}
}

func TestDecapsulateRejectsCrossPolicyFragments(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	recipient, recipientPub, _ := pre.GenerateKeyPair()
	kfragsA, _ := pre.ReKeyGen(delegator, recipientPub, 2, 2)
	kfragsB, _ := pre.ReKeyGen(delegator, recipientPub, 2, 2)
	capsule, _, _ := pre.Encapsulate(delegatorPub)
	cfA := reencryptSubset(t, kfragsA, capsule, []int{0})
	cfB := reencryptSubset(t, kfragsB, capsule, []int{1})
	if _, err := pre.DecapsulateFrags(recipient, capsule, append(cfA, cfB...)); err == nil {
		t.Fatalf("expected cross-policy fragment rejection")
	}
}

func TestReEncapsulateRefusesBadCapsule(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	_, recipientPub, _ := pre.GenerateKeyPair()
	kfrags, _ := pre.ReKeyGen(delegator, recipientPub, 1, 1)
	capsule, _, _ := pre.Encapsulate(delegatorPub)
	other, _, _ := pre.Encapsulate(delegatorPub)
	capsule.S = other.S
	if _, err := pre.ReEncapsulate(kfrags[0], capsule); !errors.Is(err, pre.ErrInvalidCapsule) {
		t.Fatalf("expected ErrInvalidCapsule, got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	_, pk, _ := pre.GenerateKeyPair()
	capsule, key, _ := pre.Encapsulate(pk)
	aad, err := capsule.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal capsule failed: %v", err)
	}
	for _, plaintext := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("block"), 4096)} {
		box, err := pre.Seal(key, plaintext, aad)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		got, err := pre.Open(key, box, aad)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(plaintext, got) {
			t.Fatalf("plaintext mismatch after open")
		}
		if _, err := pre.Open(key, box, []byte("wrong aad")); err == nil {
			t.Fatalf("open accepted wrong aad")
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	delegator, delegatorPub, _ := pre.GenerateKeyPair()
	_, recipientPub, _ := pre.GenerateKeyPair()
	capsule, _, _ := pre.Encapsulate(delegatorPub)
	kfrags, _ := pre.ReKeyGen(delegator, recipientPub, 1, 1)
	cfrag, err := pre.ReEncapsulate(kfrags[0], capsule)
	if err != nil {
		t.Fatalf("reencapsulate failed: %v", err)
	}

	cb, err := capsule.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal capsule failed: %v", err)
	}
	var c2 pre.Capsule
	if err := c2.UnmarshalBinary(cb); err != nil {
		t.Fatalf("unmarshal capsule failed: %v", err)
	}
	if err := c2.Check(); err != nil {
		t.Fatalf("decoded capsule fails check: %v", err)
	}

	kb, err := kfrags[0].MarshalBinary()
	if err != nil {
		t.Fatalf("marshal kfrag failed: %v", err)
	}
	var k2 pre.KFrag
	if err := k2.UnmarshalBinary(kb); err != nil {
		t.Fatalf("unmarshal kfrag failed: %v", err)
	}

	fb, err := cfrag.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal cfrag failed: %v", err)
	}
	var f2 pre.CFrag
	if err := f2.UnmarshalBinary(fb); err != nil {
		t.Fatalf("unmarshal cfrag failed: %v", err)
	}

	var c3 pre.Capsule
	if err := c3.UnmarshalBinary(cb[:10]); err == nil {
		t.Fatalf("expected error for truncated capsule")
	}
}
