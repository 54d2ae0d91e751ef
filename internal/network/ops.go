package network

import (
	"context"
	"fmt"

	"prenet/internal/proto"
)

// Typed request/response calls against a peer identified by its signed
// metadata. The metadata's certificate fingerprint pins the TLS session, so
// a hijacked address cannot answer for the peer.

func (c *Client) exchangeWith(ctx context.Context, target proto.NodeMetadata, payload []byte) ([]byte, error) {
	fp, err := target.CertFingerprintBytes()
	if err != nil {
		return nil, err
	}
	return c.Exchange(ctx, target.NetAddr(), fp, payload)
}

// AnnounceMetadata pushes our metadata to a peer and returns the metadata the
// peer announces back; announcement is mutual.
func (c *Client) AnnounceMetadata(ctx context.Context, target proto.NodeMetadata, self proto.NodeMetadata) (proto.NodeMetadata, error) {
	payload, err := proto.EncodeMetadataAnnounce(proto.MetadataAnnounceMsg{Metadata: self})
	if err != nil {
		return proto.NodeMetadata{}, err
	}
	raw, err := c.exchangeWith(ctx, target, payload)
	if err != nil {
		return proto.NodeMetadata{}, err
	}
	resp, err := proto.DecodeMetadataAnnounce(raw)
	if err != nil {
		return proto.NodeMetadata{}, fmt.Errorf("announce to %s: %w", target.NetAddr(), err)
	}
	return resp.Metadata, nil
}

// ExchangePeers pulls up to k peer records from the target's directory.
func (c *Client) ExchangePeers(ctx context.Context, target proto.NodeMetadata, k int) ([]proto.NodeMetadata, error) {
	payload, err := proto.EncodePeerExchangeReq(proto.PeerExchangeReqMsg{K: k})
	if err != nil {
		return nil, err
	}
	raw, err := c.exchangeWith(ctx, target, payload)
	if err != nil {
		return nil, err
	}
	resp, err := proto.DecodePeerExchangeResp(raw)
	if err != nil {
		return nil, fmt.Errorf("peer exchange with %s: %w", target.NetAddr(), err)
	}
	return resp.Peers, nil
}

func (c *Client) ProposeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.ArrangementProposeMsg) (proto.ArrangementRespMsg, error) {
	payload, err := proto.EncodeArrangementPropose(m)
	if err != nil {
		return proto.ArrangementRespMsg{}, err
	}
	raw, err := c.exchangeWith(ctx, target, payload)
	if err != nil {
		return proto.ArrangementRespMsg{}, err
	}
	resp, err := proto.DecodeArrangementResp(raw)
	if err != nil {
		return proto.ArrangementRespMsg{}, fmt.Errorf("propose to %s: %w", target.NetAddr(), err)
	}
	return resp, nil
}

func (c *Client) RevokeArrangement(ctx context.Context, target proto.NodeMetadata, m proto.RevokeMsg) (proto.RevokeRespMsg, error) {
	payload, err := proto.EncodeRevoke(m)
	if err != nil {
		return proto.RevokeRespMsg{}, err
	}
	raw, err := c.exchangeWith(ctx, target, payload)
	if err != nil {
		return proto.RevokeRespMsg{}, err
	}
	resp, err := proto.DecodeRevokeResp(raw)
	if err != nil {
		return proto.RevokeRespMsg{}, fmt.Errorf("revoke at %s: %w", target.NetAddr(), err)
	}
	return resp, nil
}

func (c *Client) Reencrypt(ctx context.Context, target proto.NodeMetadata, m proto.ReencryptReqMsg) (proto.ReencryptRespMsg, error) {
	payload, err := proto.EncodeReencryptReq(m)
	if err != nil {
		return proto.ReencryptRespMsg{}, err
	}
	raw, err := c.exchangeWith(ctx, target, payload)
	if err != nil {
		return proto.ReencryptRespMsg{}, err
	}
	resp, err := proto.DecodeReencryptResp(raw)
	if err != nil {
		return proto.ReencryptRespMsg{}, fmt.Errorf("reencrypt at %s: %w", target.NetAddr(), err)
	}
	return resp, nil
}
