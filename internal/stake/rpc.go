package stake

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCVerifier queries a staking-escrow endpoint over JSON-RPC. Transport
// failures surface as ErrUnavailable so callers retry instead of condemning
// the peer.
type RPCVerifier struct {
	client *rpc.Client
}

func DialRPC(ctx context.Context, url string) (*RPCVerifier, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}
	return &RPCVerifier{client: client}, nil
}

func NewRPCVerifier(client *rpc.Client) *RPCVerifier {
	return &RPCVerifier{client: client}
}

func (v *RPCVerifier) Close() {
	v.client.Close()
}

func (v *RPCVerifier) IsBonded(ctx context.Context, account, worker common.Address) (bool, error) {
	var bonded bool
	if err := v.client.CallContext(ctx, &bonded, "prenet_isBonded", account, worker); err != nil {
		return false, fmt.Errorf("%w: isBonded: %v", ErrUnavailable, err)
	}
	return bonded, nil
}

func (v *RPCVerifier) IsStaking(ctx context.Context, worker common.Address) (bool, error) {
	var staking bool
	if err := v.client.CallContext(ctx, &staking, "prenet_isStaking", worker); err != nil {
		return false, fmt.Errorf("%w: isStaking: %v", ErrUnavailable, err)
	}
	return staking, nil
}
