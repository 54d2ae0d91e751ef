package validate

import (
	"context"
	"errors"
	"fmt"

	"prenet/internal/proto"
	"prenet/internal/stake"
	"prenet/internal/stamp"
)

// State is a peer's position in the metadata validation chain. Transitions
// only move forward; any failed check lands in Invalid and stays there until
// fresh metadata arrives.
type State int

const (
	Unvalidated State = iota
	InterfaceVerified
	StampSubstantiated
	WorkerVerified
	Invalid
)

func (s State) String() string {
	switch s {
	case Unvalidated:
		return "unvalidated"
	case InterfaceVerified:
		return "interface_verified"
	case StampSubstantiated:
		return "stamp_substantiated"
	case WorkerVerified:
		return "worker_verified"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotBonded  = errors.New("worker not bonded to account")
	ErrNotStaking = errors.New("worker has no active stake")
)

// Validator runs the full metadata check chain: interface signature, stamp
// substantiation, worker bonding and stake. Federated networks skip the
// stake step; the first two checks are never optional.
type Validator struct {
	Stake     stake.Verifier
	Federated bool
}

// Validate is pure and idempotent: identical metadata always yields the same
// verdict. On success the returned state is WorkerVerified. On a hard
// failure it is Invalid with the failing check wrapped in the error. When
// the stake oracle is unreachable the state reached so far is returned with
// an error wrapping stake.ErrUnavailable — the peer is re-checkable, not
// condemned.
func (v *Validator) Validate(ctx context.Context, meta proto.NodeMetadata) (State, error) {
	// Interface check: the stamp must have signed the canonical interface
	// message, account address included.
	msg, err := meta.SignableMessage()
	if err != nil {
		return Invalid, fmt.Errorf("interface: %w", err)
	}
	pub, err := meta.StampPubBytes()
	if err != nil {
		return Invalid, fmt.Errorf("interface: %w", err)
	}
	sig, err := meta.InterfaceSigBytes()
	if err != nil {
		return Invalid, fmt.Errorf("interface: %w", err)
	}
	if err := stamp.Verify(pub, msg, sig); err != nil {
		return Invalid, fmt.Errorf("interface: %w", err)
	}

	// Stamp substantiation: identity evidence must recover to the declared
	// account.
	account, err := meta.AccountAddress()
	if err != nil {
		return Invalid, fmt.Errorf("stamp substantiation: %w", err)
	}
	evidence, err := meta.EvidenceBytes()
	if err != nil {
		return Invalid, fmt.Errorf("stamp substantiation: %w", err)
	}
	if err := stamp.VerifyEvidence(account, pub, evidence); err != nil {
		return Invalid, fmt.Errorf("stamp substantiation: %w", err)
	}

	if v.Federated {
		return WorkerVerified, nil
	}

	worker, err := meta.WorkerAddress()
	if err != nil {
		return Invalid, fmt.Errorf("worker: %w", err)
	}
	bonded, err := v.Stake.IsBonded(ctx, account, worker)
	if err != nil {
		return StampSubstantiated, fmt.Errorf("worker bonding: %w", err)
	}
	if !bonded {
		return Invalid, fmt.Errorf("worker %s: %w", worker.Hex(), ErrNotBonded)
	}
	staking, err := v.Stake.IsStaking(ctx, worker)
	if err != nil {
		return StampSubstantiated, fmt.Errorf("worker stake: %w", err)
	}
	if !staking {
		return Invalid, fmt.Errorf("worker %s: %w", worker.Hex(), ErrNotStaking)
	}
	return WorkerVerified, nil
}
