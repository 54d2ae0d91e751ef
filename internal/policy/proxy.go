package policy

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"prenet/internal/debuglog"
	"prenet/internal/pre"
	"prenet/internal/proto"
	"prenet/internal/stake"
	"prenet/internal/stamp"
)

// Proxy is the serving side of policies: it accepts arrangements from
// granters and answers re-encryption requests from recipients. Before doing
// re-encryption work it re-checks its own bond and stake, so a node that was
// unbonded or stopped staking refuses work without waiting for peers to
// notice.
type Proxy struct {
	Stamp     *stamp.Stamp
	Account   common.Address
	Worker    common.Address
	Stake     stake.Verifier
	Federated bool
	Store     *ArrangementStore
}

// AcceptArrangement screens a proposal and stores the key fragment on
// success. The granter's stamp signature over the canonical proposal bytes
// is checked first; everything else is untrusted input.
func (p *Proxy) AcceptArrangement(ctx context.Context, m proto.ArrangementProposeMsg) proto.ArrangementRespMsg {
	reject := func(reason string) proto.ArrangementRespMsg {
		return proto.ArrangementRespMsg{ArrangementID: m.ArrangementID, Reason: reason}
	}
	granterPub, err := hex.DecodeString(m.GranterStampPub)
	if err != nil {
		return reject(proto.RejectBadProposal)
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return reject(proto.RejectBadProposal)
	}
	signed := proto.ArrangementSigningBytes(m.Label, m.ArrangementID, m.Expiry, m.RecipientStampPub)
	if err := stamp.Verify(granterPub, signed, sig); err != nil {
		return reject(proto.RejectBadProposal)
	}
	if m.Expiry <= time.Now().Unix() {
		return reject(proto.RejectExpiryPast)
	}
	kfBytes, err := base64.StdEncoding.DecodeString(m.KFrag)
	if err != nil {
		return reject(proto.RejectBadProposal)
	}
	var kf pre.KFrag
	if err := kf.UnmarshalBinary(kfBytes); err != nil {
		return reject(proto.RejectBadProposal)
	}
	if _, err := hex.DecodeString(m.RecipientStampPub); err != nil || m.Label == "" || m.ArrangementID == "" {
		return reject(proto.RejectBadProposal)
	}

	err = p.Store.Put(StoredArrangement{
		ID:                m.ArrangementID,
		Label:             m.Label,
		KFrag:             kfBytes,
		GranterStampPub:   m.GranterStampPub,
		RecipientStampPub: m.RecipientStampPub,
		Expiry:            m.Expiry,
	})
	if errors.Is(err, ErrAtCapacity) {
		return reject(proto.RejectAtCapacity)
	}
	if err != nil {
		debuglog.Logf("store arrangement %s: %v", m.ArrangementID, err)
		return reject(proto.RejectBadProposal)
	}
	return proto.ArrangementRespMsg{ArrangementID: m.ArrangementID, Accepted: true}
}

// ReEncrypt transforms a capsule for the recipient an arrangement was granted
// to. Refusals are responses, not errors; the requester learns why.
func (p *Proxy) ReEncrypt(ctx context.Context, m proto.ReencryptReqMsg) proto.ReencryptRespMsg {
	refuse := func(code string) proto.ReencryptRespMsg {
		return proto.ReencryptRespMsg{ArrangementID: m.ArrangementID, Refusal: code}
	}
	arr, ok := p.Store.Get(m.ArrangementID)
	if !ok {
		return refuse(proto.RefusalUnknownArrangement)
	}
	if arr.Revoked {
		return refuse(proto.RefusalProxyRevoked)
	}
	if arr.Expiry <= time.Now().Unix() {
		return refuse(proto.RefusalExpired)
	}
	if m.RecipientStampPub != arr.RecipientStampPub || m.Label != arr.Label {
		return refuse(proto.RefusalBadRequest)
	}
	recipientPub, err := hex.DecodeString(m.RecipientStampPub)
	if err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	capsuleBytes, err := base64.StdEncoding.DecodeString(m.Capsule)
	if err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	if err := stamp.Verify(recipientPub, proto.ReencryptSigningBytes(m.Label, m.ArrangementID, capsuleBytes), sig); err != nil {
		return refuse(proto.RefusalBadRequest)
	}

	if !p.Federated {
		bonded, err := p.Stake.IsBonded(ctx, p.Account, p.Worker)
		if err != nil || !bonded {
			if err != nil {
				debuglog.RateLimitedf("bond check during reencrypt: %v", err)
			}
			return refuse(proto.RefusalNotStaking)
		}
		staking, err := p.Stake.IsStaking(ctx, p.Worker)
		if err != nil || !staking {
			if err != nil {
				debuglog.RateLimitedf("stake check during reencrypt: %v", err)
			}
			return refuse(proto.RefusalNotStaking)
		}
	}

	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(capsuleBytes); err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	var kf pre.KFrag
	if err := kf.UnmarshalBinary(arr.KFrag); err != nil {
		debuglog.Logf("stored kfrag %s corrupt: %v", m.ArrangementID, err)
		return refuse(proto.RefusalUnknownArrangement)
	}
	cfrag, err := pre.ReEncapsulate(&kf, &capsule)
	if err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	cfBytes, err := cfrag.MarshalBinary()
	if err != nil {
		return refuse(proto.RefusalBadRequest)
	}
	return proto.ReencryptRespMsg{
		ArrangementID: m.ArrangementID,
		CFrag:         base64.StdEncoding.EncodeToString(cfBytes),
	}
}

// Revoke retires an arrangement if the request is signed by the granter that
// placed it.
func (p *Proxy) Revoke(ctx context.Context, m proto.RevokeMsg) proto.RevokeRespMsg {
	arr, ok := p.Store.Get(m.ArrangementID)
	if !ok {
		return proto.RevokeRespMsg{ArrangementID: m.ArrangementID, Reason: proto.RefusalUnknownArrangement}
	}
	granterPub, err := hex.DecodeString(arr.GranterStampPub)
	if err != nil {
		return proto.RevokeRespMsg{ArrangementID: m.ArrangementID, Reason: proto.RefusalBadRequest}
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return proto.RevokeRespMsg{ArrangementID: m.ArrangementID, Reason: proto.RefusalBadRequest}
	}
	if err := stamp.Verify(granterPub, proto.RevokeSigningBytes(m.Label, m.ArrangementID), sig); err != nil {
		return proto.RevokeRespMsg{ArrangementID: m.ArrangementID, Reason: proto.RefusalBadRequest}
	}
	if err := p.Store.Revoke(m.ArrangementID); err != nil {
		debuglog.Logf("persist revocation %s: %v", m.ArrangementID, err)
	}
	return proto.RevokeRespMsg{ArrangementID: m.ArrangementID, Revoked: true}
}
