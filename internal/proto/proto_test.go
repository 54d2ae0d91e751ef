package proto_test

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"prenet/internal/proto"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"metadata_announce"}`)
	frame, err := proto.EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame failed: %v", err)
	}
	got, err := proto.ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("frame payload mismatch")
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	if _, err := proto.EncodeFrame(make([]byte, proto.MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversize rejection")
	}
	if _, err := proto.EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload rejection")
	}
}

func TestTypeCapEnforced(t *testing.T) {
	big := make([]byte, proto.MaxPeerExchangeReqSize+512)
	copy(big, []byte(`{"type":"peer_exchange_req","pad":"`))
	for i := len(`{"type":"peer_exchange_req","pad":"`); i < len(big)-2; i++ {
		big[i] = 'a'
	}
	big[len(big)-2] = '"'
	big[len(big)-1] = '}'
	frame, err := proto.EncodeFrame(big)
	if err != nil {
		t.Fatalf("encode frame failed: %v", err)
	}
	if _, err := proto.ReadFrameWithTypeCap(bytes.NewReader(frame), 1<<10, proto.TypeCap); err == nil {
		t.Fatalf("expected per-type cap rejection")
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	data, err := proto.EncodePeerExchangeReq(proto.PeerExchangeReqMsg{K: 8})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := proto.DecodeMetadataAnnounce(data); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data := []byte(`{"type":"peer_exchange_req","proto_version":"prenet/99","k":4}`)
	if _, err := proto.DecodePeerExchangeReq(data); err == nil {
		t.Fatalf("expected version rejection")
	}
}

func TestSignableInterfaceMessageBindsAccount(t *testing.T) {
	certFP := bytes.Repeat([]byte{7}, 32)
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	msgA := proto.SignableInterfaceMessage("198.51.100.7", 9151, certFP, a)
	msgB := proto.SignableInterfaceMessage("198.51.100.7", 9151, certFP, b)
	if bytes.Equal(msgA, msgB) {
		t.Fatalf("interface message must change with the account")
	}
	again := proto.SignableInterfaceMessage("198.51.100.7", 9151, certFP, a)
	if !bytes.Equal(msgA, again) {
		t.Fatalf("interface message must be deterministic")
	}
	otherPort := proto.SignableInterfaceMessage("198.51.100.7", 9152, certFP, a)
	if bytes.Equal(msgA, otherPort) {
		t.Fatalf("interface message must change with the port")
	}
}

func TestMetadataAnnounceRoundTrip(t *testing.T) {
	meta := proto.NodeMetadata{
		Address:         "203.0.113.9",
		Port:            9151,
		StampPub:        "02abcd",
		InterfaceSig:    "00",
		Evidence:        "00",
		CertFingerprint: "ff",
		Account:         "0x1111111111111111111111111111111111111111",
		Worker:          "0x2222222222222222222222222222222222222222",
		Timestamp:       42,
	}
	data, err := proto.EncodeMetadataAnnounce(proto.MetadataAnnounceMsg{Metadata: meta})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := proto.DecodeMetadataAnnounce(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Metadata != meta {
		t.Fatalf("metadata mismatch after round trip")
	}
	if got.Metadata.IdentityKey() != "02abcd" {
		t.Fatalf("identity key not lowercased stamp pub")
	}
}
