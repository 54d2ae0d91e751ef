package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeReencryptReq  = "reencrypt_req"
	MsgTypeReencryptResp = "reencrypt_resp"

	MaxReencryptReqSize  = 8 << 10
	MaxReencryptRespSize = 4 << 10
)

// Refusal codes a proxy may return instead of a fragment.
const (
	RefusalProxyRevoked       = "proxy_revoked"
	RefusalUnknownArrangement = "unknown_arrangement"
	RefusalExpired            = "arrangement_expired"
	RefusalNotStaking         = "proxy_not_staking"
	RefusalBadRequest         = "bad_request"
)

// ReencryptReqMsg carries a capsule plus proof of policy membership: the
// request is signed by the recipient stamp the arrangement was granted to.
type ReencryptReqMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	Label             string `json:"label"`
	ArrangementID     string `json:"arrangement_id"`
	Capsule           string `json:"capsule"` // base64
	RecipientStampPub string `json:"recipient_stamp_pub"`
	Sig               string `json:"sig"` // hex, recipient stamp over ReencryptSigningBytes
}

type ReencryptRespMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	ArrangementID string `json:"arrangement_id"`
	CFrag         string `json:"cfrag,omitempty"` // base64
	Refusal       string `json:"refusal,omitempty"`
}

func ReencryptSigningBytes(label, arrangementID string, capsule []byte) []byte {
	buf := make([]byte, 0, len("prenet:reencrypt:v1")+len(label)+len(arrangementID)+len(capsule)+6)
	buf = append(buf, []byte("prenet:reencrypt:v1")...)
	buf = appendLenPrefixed(buf, []byte(label))
	buf = appendLenPrefixed(buf, []byte(arrangementID))
	buf = appendLenPrefixed(buf, capsule)
	return buf
}

func EncodeReencryptReq(m ReencryptReqMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeReencryptReq
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeReencryptReq(data []byte) (ReencryptReqMsg, error) {
	var m ReencryptReqMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ReencryptReqMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeReencryptReq {
		return ReencryptReqMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ReencryptReqMsg{}, err
	}
	return m, nil
}

func EncodeReencryptResp(m ReencryptRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeReencryptResp
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeReencryptResp(data []byte) (ReencryptRespMsg, error) {
	var m ReencryptRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ReencryptRespMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeReencryptResp {
		return ReencryptRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ReencryptRespMsg{}, err
	}
	return m, nil
}
