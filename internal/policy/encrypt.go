package policy

import (
	"errors"
	"fmt"

	"prenet/internal/pre"
	"prenet/internal/stamp"
)

// ErrSignatureMismatch means a decrypted payload was not signed by the stamp
// the message kit claims as sender.
var ErrSignatureMismatch = errors.New("sender signature mismatch")

// MessageKit is a self-contained encrypted message: the capsule that enables
// re-encryption, the sealed box, and the claimed sender. The sender's
// signature lives inside the box, so only someone who can decrypt learns who
// signed; the capsule bytes are bound to the box as AAD.
type MessageKit struct {
	Capsule        []byte `json:"capsule"`
	Box            []byte `json:"box"`
	SenderStampPub []byte `json:"sender_stamp_pub"`
}

// Encrypt seals plaintext under a policy public key. Anyone holding the
// policy key can produce kits; the sender's stamp signs the plaintext so the
// recipient can tell kits apart by author.
func Encrypt(policyPub *pre.PublicKey, sender *stamp.Stamp, plaintext []byte) (*MessageKit, error) {
	capsule, key, err := pre.Encapsulate(policyPub)
	if err != nil {
		return nil, err
	}
	capsuleBytes, err := capsule.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sig, err := sender.Sign(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	payload := make([]byte, 0, len(sig)+len(plaintext))
	payload = append(payload, sig...)
	payload = append(payload, plaintext...)
	box, err := pre.Seal(key, payload, capsuleBytes)
	if err != nil {
		return nil, err
	}
	return &MessageKit{
		Capsule:        capsuleBytes,
		Box:            box,
		SenderStampPub: sender.PublicKeyBytes(),
	}, nil
}

// Decrypt opens a kit with the policy's own delegating key, no proxies
// involved. Only the granter can do this.
func (p *Policy) Decrypt(kit *MessageKit) ([]byte, error) {
	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(kit.Capsule); err != nil {
		return nil, err
	}
	key, err := pre.Decapsulate(p.delegating, &capsule)
	if err != nil {
		return nil, err
	}
	return openPayload(key, kit)
}

func openPayload(key []byte, kit *MessageKit) ([]byte, error) {
	payload, err := pre.Open(key, kit.Box, kit.Capsule)
	if err != nil {
		return nil, fmt.Errorf("open box: %w", err)
	}
	if len(payload) < stamp.SignatureSize {
		return nil, fmt.Errorf("%w: payload too short for signature", ErrSignatureMismatch)
	}
	sig := payload[:stamp.SignatureSize]
	plaintext := payload[stamp.SignatureSize:]
	if err := stamp.Verify(kit.SenderStampPub, plaintext, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return plaintext, nil
}
