package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	MsgTypeMetadataAnnounce = "metadata_announce"
	MaxMetadataAnnounceSize = 4 << 10
)

// NodeMetadata is a node's signed self-description as it travels over
// gossip. Immutable once signed; a node re-issues fresh metadata (newer
// timestamp) when its interface or certificate changes.
type NodeMetadata struct {
	Address         string `json:"address"`
	Port            int    `json:"port"`
	StampPub        string `json:"stamp_pub"`
	InterfaceSig    string `json:"interface_sig"`
	Evidence        string `json:"evidence"`
	CertFingerprint string `json:"cert_fp"`
	Account         string `json:"account"`
	Worker          string `json:"worker"`
	Timestamp       int64  `json:"timestamp"`
}

// IdentityKey is the dedup key for peer records: the stamp public key, hex,
// lowercase.
func (m NodeMetadata) IdentityKey() string {
	return strings.ToLower(m.StampPub)
}

func (m NodeMetadata) NetAddr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

func (m NodeMetadata) StampPubBytes() ([]byte, error) {
	return hexField("stamp_pub", m.StampPub)
}

func (m NodeMetadata) InterfaceSigBytes() ([]byte, error) {
	return hexField("interface_sig", m.InterfaceSig)
}

func (m NodeMetadata) EvidenceBytes() ([]byte, error) {
	return hexField("evidence", m.Evidence)
}

func (m NodeMetadata) CertFingerprintBytes() ([]byte, error) {
	return hexField("cert_fp", m.CertFingerprint)
}

func (m NodeMetadata) AccountAddress() (common.Address, error) {
	if !common.IsHexAddress(m.Account) {
		return common.Address{}, fmt.Errorf("bad account address: %q", m.Account)
	}
	return common.HexToAddress(m.Account), nil
}

func (m NodeMetadata) WorkerAddress() (common.Address, error) {
	if !common.IsHexAddress(m.Worker) {
		return common.Address{}, fmt.Errorf("bad worker address: %q", m.Worker)
	}
	return common.HexToAddress(m.Worker), nil
}

func hexField(name, v string) ([]byte, error) {
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", name, err)
	}
	return b, nil
}

// SignableInterfaceMessage is the byte-exact encoding the stamp signs to
// vouch for a node's interface. The canonical account address is part of the
// message: an adversary reusing someone else's stamp key cannot substitute
// its own account without breaking the signature.
func SignableInterfaceMessage(address string, port int, certFingerprint []byte, account common.Address) []byte {
	buf := make([]byte, 0, len("prenet:interface:v1")+2+len(address)+2+2+len(certFingerprint)+common.AddressLength)
	buf = append(buf, []byte("prenet:interface:v1")...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(address)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, []byte(address)...)
	binary.BigEndian.PutUint16(tmp[:], uint16(port))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(certFingerprint)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, certFingerprint...)
	buf = append(buf, account.Bytes()...)
	return buf
}

// SignableMessage rebuilds the canonical interface message from the declared
// metadata fields.
func (m NodeMetadata) SignableMessage() ([]byte, error) {
	certFP, err := m.CertFingerprintBytes()
	if err != nil {
		return nil, err
	}
	account, err := m.AccountAddress()
	if err != nil {
		return nil, err
	}
	return SignableInterfaceMessage(m.Address, m.Port, certFP, account), nil
}

type MetadataAnnounceMsg struct {
	Type         string       `json:"type"`
	ProtoVersion string       `json:"proto_version"`
	Suite        string       `json:"suite"`
	Metadata     NodeMetadata `json:"metadata"`
}

func EncodeMetadataAnnounce(m MetadataAnnounceMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeMetadataAnnounce
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeMetadataAnnounce(data []byte) (MetadataAnnounceMsg, error) {
	var m MetadataAnnounceMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return MetadataAnnounceMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeMetadataAnnounce {
		return MetadataAnnounceMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return MetadataAnnounceMsg{}, err
	}
	return m, nil
}
