package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeArrangementPropose = "arrangement_propose"
	MsgTypeArrangementResp    = "arrangement_resp"

	MaxArrangementProposeSize = 8 << 10
	MaxArrangementRespSize    = 2 << 10
)

// Arrangement rejection reasons a proxy may return.
const (
	RejectAtCapacity  = "at_capacity"
	RejectExpiryPast  = "expiry_in_past"
	RejectBadProposal = "bad_proposal"
)

// ArrangementProposeMsg offers one key fragment of a policy to a proxy. The
// granter's stamp signs the proposal so the proxy can pin who delegated.
type ArrangementProposeMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	Label             string `json:"label"`
	ArrangementID     string `json:"arrangement_id"` // hex
	KFrag             string `json:"kfrag"`          // base64
	PolicyPub         string `json:"policy_pub"`     // base64
	GranterStampPub   string `json:"granter_stamp_pub"`
	RecipientStampPub string `json:"recipient_stamp_pub"`
	Expiry            int64  `json:"expiry"`
	Sig               string `json:"sig"` // hex, granter stamp over ArrangementSigningBytes
}

type ArrangementRespMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`

	ArrangementID string `json:"arrangement_id"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

// ArrangementSigningBytes is the canonical byte encoding the granter signs.
// The kfrag itself stays outside the signature so the proposal can be
// re-sealed per transport without re-signing.
func ArrangementSigningBytes(label, arrangementID string, expiry int64, recipientStampPub string) []byte {
	buf := make([]byte, 0, len("prenet:arrangement:v1")+len(label)+len(arrangementID)+8+len(recipientStampPub))
	buf = append(buf, []byte("prenet:arrangement:v1")...)
	buf = appendLenPrefixed(buf, []byte(label))
	buf = appendLenPrefixed(buf, []byte(arrangementID))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(expiry))
	buf = append(buf, tmp[:]...)
	buf = appendLenPrefixed(buf, []byte(recipientStampPub))
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(field)))
	buf = append(buf, tmp[:]...)
	return append(buf, field...)
}

func EncodeArrangementPropose(m ArrangementProposeMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeArrangementPropose
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeArrangementPropose(data []byte) (ArrangementProposeMsg, error) {
	var m ArrangementProposeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ArrangementProposeMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeArrangementPropose {
		return ArrangementProposeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ArrangementProposeMsg{}, err
	}
	return m, nil
}

func EncodeArrangementResp(m ArrangementRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeArrangementResp
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeArrangementResp(data []byte) (ArrangementRespMsg, error) {
	var m ArrangementRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ArrangementRespMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeArrangementResp {
		return ArrangementRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return ArrangementRespMsg{}, err
	}
	return m, nil
}
