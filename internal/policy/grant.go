package policy

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"prenet/internal/peer"
	"prenet/internal/pre"
	"prenet/internal/proto"
	"prenet/internal/stamp"
)

const (
	DefaultGrantConcurrency = 8
	DefaultAttemptTimeout   = 5 * time.Second
	DefaultCandidateMargin  = 2
)

// ErrGrantFailed means too few proxies accepted arrangements after all
// candidates were tried. The wrapped detail names each failed proxy.
var ErrGrantFailed = errors.New("grant failed")

// ArrangeClient places and revokes arrangements on remote proxies.
type ArrangeClient interface {
	ProposeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.ArrangementProposeMsg) (proto.ArrangementRespMsg, error)
	RevokeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.RevokeMsg) (proto.RevokeRespMsg, error)
}

// Granter places policies onto the network: it splits a re-encryption key
// into fragments and negotiates one arrangement per fragment with verified
// proxies drawn from the directory.
type Granter struct {
	Stamp     *stamp.Stamp
	Directory *peer.Directory
	Client    ArrangeClient

	Concurrency    int
	AttemptTimeout time.Duration
	Margin         int
}

type GrantRequest struct {
	Label             string
	RecipientKey      *pre.PublicKey
	RecipientStampPub []byte
	Threshold         int
	Shares            int
	Expiry            time.Time
}

// Grant carves the policy into Shares key fragments and fans proposals out to
// sampled proxies, a few spares included. A proxy that rejects, errors, or
// times out is replaced from the spare pool; fragments are never offered to
// two proxies at once. Candidate shortfall fails before any network call.
func (g *Granter) Grant(ctx context.Context, req GrantRequest) (*Policy, error) {
	if req.Label == "" {
		return nil, fmt.Errorf("empty label")
	}
	if req.Threshold < 1 || req.Shares < req.Threshold {
		return nil, fmt.Errorf("bad threshold %d of %d", req.Threshold, req.Shares)
	}
	if !req.Expiry.After(time.Now()) {
		return nil, fmt.Errorf("expiry in the past")
	}
	if req.RecipientKey == nil || len(req.RecipientStampPub) != stamp.PublicKeySize {
		return nil, fmt.Errorf("incomplete recipient")
	}
	margin := g.Margin
	if margin <= 0 {
		margin = DefaultCandidateMargin
	}

	pool, err := g.Directory.VerifiedSample(req.Shares + margin)
	if err != nil {
		pool, err = g.Directory.VerifiedSample(req.Shares)
		if err != nil {
			return nil, err
		}
	}

	delegating, policyPub, err := pre.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kfrags, err := pre.ReKeyGen(delegating, req.RecipientKey, req.Threshold, req.Shares)
	if err != nil {
		return nil, err
	}
	policyID := PolicyID(g.Stamp.PublicKeyBytes(), req.RecipientStampPub, req.Label)
	policyPubBytes, err := policyPub.MarshalBinary()
	if err != nil {
		return nil, err
	}

	candidates := make(chan peer.Record, len(pool))
	for _, rec := range pool {
		candidates <- rec
	}

	type outcome struct {
		arr    Arrangement
		ok     bool
		detail string
	}
	concurrency := g.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultGrantConcurrency
	}
	results := make(chan outcome, len(kfrags))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, kf := range kfrags {
		wg.Add(1)
		go func(kf *pre.KFrag) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			var details []string
			for {
				var cand peer.Record
				select {
				case cand = <-candidates:
				default:
					results <- outcome{detail: strings.Join(details, "; ")}
					return
				}
				arr, detail, ok := g.propose(ctx, cand, kf, req, policyID, policyPubBytes)
				if ok {
					results <- outcome{arr: arr, ok: true}
					return
				}
				details = append(details, detail)
			}
		}(kf)
	}
	wg.Wait()
	close(results)

	var arrangements []Arrangement
	var failures []string
	for out := range results {
		if out.ok {
			arrangements = append(arrangements, out.arr)
		} else if out.detail != "" {
			failures = append(failures, out.detail)
		}
	}
	if len(arrangements) < req.Shares {
		return nil, fmt.Errorf("%w: placed %d of %d fragments: %s",
			ErrGrantFailed, len(arrangements), req.Shares, strings.Join(failures, "; "))
	}

	recipientPub := make([]byte, len(req.RecipientStampPub))
	copy(recipientPub, req.RecipientStampPub)
	return &Policy{
		Label:             req.Label,
		Threshold:         req.Threshold,
		Shares:            req.Shares,
		Expiry:            req.Expiry,
		PolicyPub:         policyPub,
		RecipientStampPub: recipientPub,
		Arrangements:      arrangements,
		delegating:        delegating,
	}, nil
}

// propose offers one fragment to one proxy. A timeout counts as a rejection;
// the caller moves on to the next candidate either way.
func (g *Granter) propose(ctx context.Context, cand peer.Record, kf *pre.KFrag, req GrantRequest, policyID, policyPubBytes []byte) (Arrangement, string, bool) {
	attemptTimeout := g.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	arrID := ArrangementID(policyID, cand.Meta.IdentityKey())
	kfBytes, err := kf.MarshalBinary()
	if err != nil {
		return Arrangement{}, fmt.Sprintf("%s: %v", cand.Meta.NetAddr(), err), false
	}
	recipientHex := hex.EncodeToString(req.RecipientStampPub)
	sig, err := g.Stamp.Sign(proto.ArrangementSigningBytes(req.Label, arrID, req.Expiry.Unix(), recipientHex))
	if err != nil {
		return Arrangement{}, fmt.Sprintf("%s: %v", cand.Meta.NetAddr(), err), false
	}
	resp, err := g.Client.ProposeArrangement(attemptCtx, cand.Meta, proto.ArrangementProposeMsg{
		Label:             req.Label,
		ArrangementID:     arrID,
		KFrag:             base64.StdEncoding.EncodeToString(kfBytes),
		PolicyPub:         base64.StdEncoding.EncodeToString(policyPubBytes),
		GranterStampPub:   hex.EncodeToString(g.Stamp.PublicKeyBytes()),
		RecipientStampPub: recipientHex,
		Expiry:            req.Expiry.Unix(),
		Sig:               hex.EncodeToString(sig),
	})
	if err != nil {
		return Arrangement{}, fmt.Sprintf("%s: %v", cand.Meta.NetAddr(), err), false
	}
	if !resp.Accepted {
		return Arrangement{}, fmt.Sprintf("%s: rejected (%s)", cand.Meta.NetAddr(), resp.Reason), false
	}
	return Arrangement{ID: arrID, Proxy: cand.Meta}, "", true
}

// Revoke tells every proxy of a policy to stop serving its arrangement.
// Unreachable proxies are reported, not retried; their arrangements still
// die at expiry.
func (g *Granter) Revoke(ctx context.Context, p *Policy) error {
	var errs []error
	for _, arr := range p.Arrangements {
		sig, err := g.Stamp.Sign(proto.RevokeSigningBytes(p.Label, arr.ID))
		if err != nil {
			return err
		}
		resp, err := g.Client.RevokeArrangement(ctx, arr.Proxy, proto.RevokeMsg{
			Label:         p.Label,
			ArrangementID: arr.ID,
			Sig:           hex.EncodeToString(sig),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("revoke at %s: %w", arr.Proxy.NetAddr(), err))
			continue
		}
		if !resp.Revoked {
			errs = append(errs, fmt.Errorf("revoke at %s refused: %s", arr.Proxy.NetAddr(), resp.Reason))
		}
	}
	return errors.Join(errs...)
}
