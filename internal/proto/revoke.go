package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeRevoke     = "arrangement_revoke"
	MsgTypeRevokeResp = "arrangement_revoke_resp"

	MaxRevokeSize     = 2 << 10
	MaxRevokeRespSize = 1 << 10
)

// RevokeMsg tells a proxy to stop serving an arrangement. Signed by the
// granter stamp the arrangement was accepted from; nobody else can revoke.
type RevokeMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	Label         string `json:"label"`
	ArrangementID string `json:"arrangement_id"`
	Sig           string `json:"sig"` // hex, granter stamp over RevokeSigningBytes
}

type RevokeRespMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	ArrangementID string `json:"arrangement_id"`
	Revoked       bool   `json:"revoked"`
	Reason        string `json:"reason,omitempty"`
}

func RevokeSigningBytes(label, arrangementID string) []byte {
	buf := make([]byte, 0, len("prenet:revoke:v1")+len(label)+len(arrangementID)+4)
	buf = append(buf, []byte("prenet:revoke:v1")...)
	buf = appendLenPrefixed(buf, []byte(label))
	buf = appendLenPrefixed(buf, []byte(arrangementID))
	return buf
}

func EncodeRevoke(m RevokeMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeRevoke
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeRevoke(data []byte) (RevokeMsg, error) {
	var m RevokeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RevokeMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeRevoke {
		return RevokeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return RevokeMsg{}, err
	}
	return m, nil
}

func EncodeRevokeResp(m RevokeRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeRevokeResp
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeRevokeResp(data []byte) (RevokeRespMsg, error) {
	var m RevokeRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RevokeRespMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeRevokeResp {
		return RevokeRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return RevokeRespMsg{}, err
	}
	return m, nil
}
