package policy

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"prenet/internal/pre"
	"prenet/internal/proto"
	"prenet/internal/stamp"
)

const DefaultRetrieveDeadline = 10 * time.Second

// ErrInsufficientFragments means fewer proxies answered with fragments than
// the policy threshold requires.
var ErrInsufficientFragments = errors.New("insufficient capsule fragments")

// ReencryptClient asks a remote proxy to transform a capsule.
type ReencryptClient interface {
	Reencrypt(ctx context.Context, target proto.NodeMetadata, m proto.ReencryptReqMsg) (proto.ReencryptRespMsg, error)
}

// Retriever is the recipient side of a policy: it collects a threshold of
// capsule fragments from the policy's proxies and decrypts.
type Retriever struct {
	Stamp  *stamp.Stamp
	Client ReencryptClient

	Deadline time.Duration
}

// Retrieve races all of the grant's proxies for capsule fragments under one
// global deadline, stops as soon as the threshold is met, and decrypts.
// Refusals (revoked, expired, unknown) just remove that proxy from the race;
// only a total below threshold is an error.
func (r *Retriever) Retrieve(ctx context.Context, grant AccessGrant, kit *MessageKit, recipientKey *pre.PrivateKey) ([]byte, error) {
	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(kit.Capsule); err != nil {
		return nil, err
	}
	if err := capsule.Check(); err != nil {
		return nil, err
	}
	if grant.Threshold < 1 || len(grant.Arrangements) < grant.Threshold {
		return nil, fmt.Errorf("%w: grant lists %d proxies for threshold %d",
			ErrInsufficientFragments, len(grant.Arrangements), grant.Threshold)
	}

	deadline := r.Deadline
	if deadline <= 0 {
		deadline = DefaultRetrieveDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		cfrag  *pre.CFrag
		detail string
	}
	results := make(chan outcome, len(grant.Arrangements))
	for _, arr := range grant.Arrangements {
		go func(arr Arrangement) {
			cfrag, err := r.fetchFragment(ctx, arr, grant.Label, kit.Capsule)
			if err != nil {
				results <- outcome{detail: fmt.Sprintf("%s: %v", arr.Proxy.NetAddr(), err)}
				return
			}
			results <- outcome{cfrag: cfrag}
		}(arr)
	}

	var cfrags []*pre.CFrag
	var failures []string
	for i := 0; i < len(grant.Arrangements) && len(cfrags) < grant.Threshold; i++ {
		out := <-results
		if out.cfrag != nil {
			cfrags = append(cfrags, out.cfrag)
		} else {
			failures = append(failures, out.detail)
		}
	}
	cancel()

	if len(cfrags) < grant.Threshold {
		return nil, fmt.Errorf("%w: got %d of %d: %s",
			ErrInsufficientFragments, len(cfrags), grant.Threshold, joinDetails(failures))
	}
	key, err := pre.DecapsulateFrags(recipientKey, &capsule, cfrags)
	if err != nil {
		return nil, err
	}
	return openPayload(key, kit)
}

func (r *Retriever) fetchFragment(ctx context.Context, arr Arrangement, label string, capsuleBytes []byte) (*pre.CFrag, error) {
	sig, err := r.Stamp.Sign(proto.ReencryptSigningBytes(label, arr.ID, capsuleBytes))
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Reencrypt(ctx, arr.Proxy, proto.ReencryptReqMsg{
		Label:             label,
		ArrangementID:     arr.ID,
		Capsule:           base64.StdEncoding.EncodeToString(capsuleBytes),
		RecipientStampPub: hex.EncodeToString(r.Stamp.PublicKeyBytes()),
		Sig:               hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, err
	}
	if resp.Refusal != "" {
		return nil, fmt.Errorf("refused: %s", resp.Refusal)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.CFrag)
	if err != nil {
		return nil, fmt.Errorf("bad cfrag encoding: %w", err)
	}
	var cfrag pre.CFrag
	if err := cfrag.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &cfrag, nil
}

func joinDetails(details []string) string {
	if len(details) == 0 {
		return "no failures reported"
	}
	out := details[0]
	for _, d := range details[1:] {
		out += "; " + d
	}
	return out
}
