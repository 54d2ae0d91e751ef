package proto

import "fmt"

const (
	ProtoVersion = "prenet/0.2"
	Suite        = "secp256k1+ristretto255+xchacha20poly1305+sha3-256"
)

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto version: %s", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

// TypeCap returns the per-type payload ceiling enforced on inbound frames.
// Unknown types fall back to the soft frame limit.
func TypeCap(msgType string) int {
	switch msgType {
	case MsgTypeMetadataAnnounce:
		return MaxMetadataAnnounceSize
	case MsgTypePeerExchangeReq:
		return MaxPeerExchangeReqSize
	case MsgTypePeerExchangeResp:
		return MaxPeerExchangeRespSize
	case MsgTypeArrangementPropose:
		return MaxArrangementProposeSize
	case MsgTypeArrangementResp:
		return MaxArrangementRespSize
	case MsgTypeReencryptReq:
		return MaxReencryptReqSize
	case MsgTypeReencryptResp:
		return MaxReencryptRespSize
	case MsgTypeRevoke:
		return MaxRevokeSize
	case MsgTypeRevokeResp:
		return MaxRevokeRespSize
	default:
		return 0
	}
}
