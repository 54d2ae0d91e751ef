package stamp

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature covers malformed signatures and recovered-key mismatches.
// It is terminal for the verification attempt; retrying with the same inputs
// cannot succeed.
var ErrInvalidSignature = errors.New("invalid signature")

const (
	SignatureSize = 65 // r || s || v
	PublicKeySize = 33 // compressed secp256k1 point
)

// Stamp is a node's signing capability: a secp256k1 keypair whose public half
// identifies the node on the wire. One stamp per node, held for the node's
// lifetime. The private key never leaves this struct.
type Stamp struct {
	key *ecdsa.PrivateKey
	pub []byte
}

func Generate() (*Stamp, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return FromKey(key), nil
}

func FromKey(key *ecdsa.PrivateKey) *Stamp {
	return &Stamp{key: key, pub: crypto.CompressPubkey(&key.PublicKey)}
}

// LoadOrGenerate reads the stamp key at path, creating and persisting a fresh
// one on first run.
func LoadOrGenerate(path string) (*Stamp, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return FromKey(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, err
	}
	return FromKey(key), nil
}

func (s *Stamp) PublicKeyBytes() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// Sign produces a 65-byte recoverable signature over keccak256(msg).
func (s *Stamp) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(msg), s.key)
}

// Verify checks that sig over msg recovers to the claimed compressed public
// key. Pure and safe for concurrent use.
func Verify(pub, msg, sig []byte) error {
	if len(pub) != PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", ErrInvalidSignature, len(pub))
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: bad signature length %d", ErrInvalidSignature, len(sig))
	}
	recovered, err := crypto.SigToPub(crypto.Keccak256(msg), normalizeV(sig))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if string(crypto.CompressPubkey(recovered)) != string(pub) {
		return fmt.Errorf("%w: recovered key mismatch", ErrInvalidSignature)
	}
	return nil
}

// normalizeV maps the legacy 27/28 recovery byte onto 0/1 without mutating
// the caller's slice.
func normalizeV(sig []byte) []byte {
	if len(sig) != SignatureSize || sig[64] < 27 {
		return sig
	}
	out := make([]byte, SignatureSize)
	copy(out, sig)
	out[64] -= 27
	return out
}
