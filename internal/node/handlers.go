package node

import (
	"context"
	"fmt"

	"prenet/internal/debuglog"
	"prenet/internal/proto"
)

// handle dispatches one inbound frame. Every message type answers with a
// response frame; refusals travel inside the response, never as stream errors.
func (n *Node) handle(ctx context.Context, payload []byte) ([]byte, error) {
	msgType, ok := proto.ExtractType(payload)
	if !ok {
		return nil, fmt.Errorf("frame without type")
	}
	n.metrics.FramesHandled.WithLabelValues(msgType).Inc()
	switch msgType {
	case proto.MsgTypeMetadataAnnounce:
		return n.handleAnnounce(ctx, payload)
	case proto.MsgTypePeerExchangeReq:
		return n.handlePeerExchange(ctx, payload)
	case proto.MsgTypeArrangementPropose:
		return n.handlePropose(ctx, payload)
	case proto.MsgTypeReencryptReq:
		return n.handleReencrypt(ctx, payload)
	case proto.MsgTypeRevoke:
		return n.handleRevoke(ctx, payload)
	default:
		return nil, fmt.Errorf("unhandled message type %q", msgType)
	}
}

func (n *Node) handleAnnounce(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := proto.DecodeMetadataAnnounce(payload)
	if err != nil {
		return nil, err
	}
	n.metrics.Announces.Inc()
	if state, err := n.dir.Remember(ctx, m.Metadata); err != nil {
		debuglog.Debugf("announce from %s: %s (%v)", m.Metadata.NetAddr(), state, err)
	}
	n.updateGauges()
	return proto.EncodeMetadataAnnounce(proto.MetadataAnnounceMsg{Metadata: n.currentMeta()})
}

func (n *Node) handlePeerExchange(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := proto.DecodePeerExchangeReq(payload)
	if err != nil {
		return nil, err
	}
	k := m.K
	if limit := n.cfg.Network.ExchangeSize; limit > 0 && (k <= 0 || k > limit) {
		k = limit
	}
	peers := n.dir.BestPeers(k)
	// Include ourselves so peers learned through a third party can reach us.
	if self := n.currentMeta(); self.StampPub != "" {
		peers = append(peers, self)
	}
	return proto.EncodePeerExchangeResp(proto.PeerExchangeRespMsg{Peers: peers})
}

func (n *Node) handlePropose(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := proto.DecodeArrangementPropose(payload)
	if err != nil {
		return nil, err
	}
	resp := n.proxy.AcceptArrangement(ctx, m)
	n.updateGauges()
	return proto.EncodeArrangementResp(resp)
}

func (n *Node) handleReencrypt(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := proto.DecodeReencryptReq(payload)
	if err != nil {
		return nil, err
	}
	n.metrics.ReencryptRequests.Inc()
	resp := n.proxy.ReEncrypt(ctx, m)
	if resp.Refusal != "" {
		n.metrics.ReencryptRefusals.WithLabelValues(resp.Refusal).Inc()
	}
	return proto.EncodeReencryptResp(resp)
}

func (n *Node) handleRevoke(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := proto.DecodeRevoke(payload)
	if err != nil {
		return nil, err
	}
	return proto.EncodeRevokeResp(n.proxy.Revoke(ctx, m))
}
