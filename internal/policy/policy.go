package policy

import (
	"crypto/sha3"
	"encoding/hex"
	"time"

	"prenet/internal/pre"
	"prenet/internal/proto"
)

// Arrangement is one proxy's engagement in a policy: the proxy holds one key
// fragment under this identifier.
type Arrangement struct {
	ID    string             `json:"id"`
	Proxy proto.NodeMetadata `json:"proxy"`
}

// Policy is the granter-side record of a successful grant.
type Policy struct {
	Label             string
	Threshold         int
	Shares            int
	Expiry            time.Time
	PolicyPub         *pre.PublicKey
	RecipientStampPub []byte
	Arrangements      []Arrangement

	delegating *pre.PrivateKey
}

// AccessGrant is the portion of a policy the granter hands to the recipient:
// everything needed to retrieve, nothing that could re-delegate.
type AccessGrant struct {
	Label        string
	Threshold    int
	Arrangements []Arrangement
}

func (p *Policy) AccessGrant() AccessGrant {
	arrangements := make([]Arrangement, len(p.Arrangements))
	copy(arrangements, p.Arrangements)
	return AccessGrant{
		Label:        p.Label,
		Threshold:    p.Threshold,
		Arrangements: arrangements,
	}
}

// PolicyID binds a policy to its participants: both stamps plus the label.
// The same label between different parties is a different policy.
func PolicyID(granterStampPub, recipientStampPub []byte, label string) []byte {
	buf := make([]byte, 0, len("prenet:policy:v1")+len(granterStampPub)+len(recipientStampPub)+len(label))
	buf = append(buf, []byte("prenet:policy:v1")...)
	buf = append(buf, granterStampPub...)
	buf = append(buf, recipientStampPub...)
	buf = append(buf, []byte(label)...)
	sum := sha3.Sum256(buf)
	return sum[:16]
}

// ArrangementID derives the per-proxy identifier under a policy.
func ArrangementID(policyID []byte, proxyIdentityKey string) string {
	buf := make([]byte, 0, len(policyID)+len(proxyIdentityKey))
	buf = append(buf, policyID...)
	buf = append(buf, []byte(proxyIdentityKey)...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:16])
}
