package testutil

import (
	"crypto/sha3"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"prenet/internal/node"
	"prenet/internal/proto"
	"prenet/internal/stamp"
)

// TestPeer bundles a full node identity with issued metadata, for tests that
// need valid (or tamperable) peers without spinning up transports.
type TestPeer struct {
	Identity *node.Identity
	Meta     proto.NodeMetadata
}

func NewTestPeer(t *testing.T, address string, port int) *TestPeer {
	t.Helper()
	st, err := stamp.Generate()
	if err != nil {
		t.Fatalf("generate stamp failed: %v", err)
	}
	accountKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate account key failed: %v", err)
	}
	id, err := node.NewIdentity(st, accountKey, crypto.PubkeyToAddress(accountKey.PublicKey))
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	certFP := sha3.Sum256(st.PublicKeyBytes())
	meta, err := id.IssueMetadata(address, port, certFP[:], time.Now())
	if err != nil {
		t.Fatalf("issue metadata failed: %v", err)
	}
	return &TestPeer{Identity: id, Meta: meta}
}

// Reissue produces fresh metadata for the same identity at the given time.
func (p *TestPeer) Reissue(t *testing.T, address string, port int, at time.Time) proto.NodeMetadata {
	t.Helper()
	certFP := sha3.Sum256(p.Identity.Stamp.PublicKeyBytes())
	meta, err := p.Identity.IssueMetadata(address, port, certFP[:], at)
	if err != nil {
		t.Fatalf("reissue metadata failed: %v", err)
	}
	return meta
}
