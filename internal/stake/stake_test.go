package stake

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestStaticVerifierBonding(t *testing.T) {
	v := NewStaticVerifier()
	account, worker := addr(1), addr(2)
	v.Bond(account, worker, true)

	bonded, err := v.IsBonded(context.Background(), account, worker)
	if err != nil || !bonded {
		t.Fatalf("expected bonded, got %v (err %v)", bonded, err)
	}
	bonded, err = v.IsBonded(context.Background(), account, addr(3))
	if err != nil || bonded {
		t.Fatalf("wrong worker must not be bonded")
	}
	staking, err := v.IsStaking(context.Background(), worker)
	if err != nil || !staking {
		t.Fatalf("expected staking, got %v (err %v)", staking, err)
	}

	v.SetStaking(worker, false)
	staking, _ = v.IsStaking(context.Background(), worker)
	if staking {
		t.Fatalf("expected staking off after SetStaking(false)")
	}

	v.Unbond(account)
	bonded, _ = v.IsBonded(context.Background(), account, worker)
	if bonded {
		t.Fatalf("expected unbonded after Unbond")
	}
}

func TestStaticVerifierOutage(t *testing.T) {
	v := NewStaticVerifier()
	account, worker := addr(1), addr(2)
	v.Bond(account, worker, true)
	v.SetDown(true)

	if _, err := v.IsBonded(context.Background(), account, worker); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := v.IsStaking(context.Background(), worker); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	v.SetDown(false)
	if bonded, err := v.IsBonded(context.Background(), account, worker); err != nil || !bonded {
		t.Fatalf("expected recovery, got %v (err %v)", bonded, err)
	}
}
