package stake

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnavailable means the staking oracle could not be reached. It is
// retryable and must never be folded into a negative verdict: a peer is
// blacklisted for failing checks, not for our oracle being down.
var ErrUnavailable = errors.New("stake verification unavailable")

// Verifier answers bonding and staking questions against chain state.
type Verifier interface {
	IsBonded(ctx context.Context, account, worker common.Address) (bool, error)
	IsStaking(ctx context.Context, worker common.Address) (bool, error)
}

// StaticVerifier is an in-memory oracle for federated networks and tests.
type StaticVerifier struct {
	mu      sync.RWMutex
	bonds   map[common.Address]common.Address // account -> worker
	staking map[common.Address]bool           // worker -> staking
	down    bool
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{
		bonds:   make(map[common.Address]common.Address),
		staking: make(map[common.Address]bool),
	}
}

func (v *StaticVerifier) Bond(account, worker common.Address, staking bool) {
	v.mu.Lock()
	v.bonds[account] = worker
	v.staking[worker] = staking
	v.mu.Unlock()
}

func (v *StaticVerifier) Unbond(account common.Address) {
	v.mu.Lock()
	if worker, ok := v.bonds[account]; ok {
		delete(v.staking, worker)
	}
	delete(v.bonds, account)
	v.mu.Unlock()
}

func (v *StaticVerifier) SetStaking(worker common.Address, staking bool) {
	v.mu.Lock()
	v.staking[worker] = staking
	v.mu.Unlock()
}

// SetDown simulates oracle outage.
func (v *StaticVerifier) SetDown(down bool) {
	v.mu.Lock()
	v.down = down
	v.mu.Unlock()
}

func (v *StaticVerifier) IsBonded(ctx context.Context, account, worker common.Address) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.down {
		return false, ErrUnavailable
	}
	return v.bonds[account] == worker, nil
}

func (v *StaticVerifier) IsStaking(ctx context.Context, worker common.Address) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.down {
		return false, ErrUnavailable
	}
	return v.staking[worker], nil
}
