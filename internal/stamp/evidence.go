package stamp

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity evidence binds a chain account to a stamp: the account key signs
// the stamp's public key bytes under the EIP-191 personal-message scheme, so
// any peer can recover the signer address and compare it to the claimed
// account.

func eip191Hash(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// IssueEvidence signs stampPub with the account-controlled key. Done once at
// bootstrap and again on worker re-bonding.
func IssueEvidence(accountKey *ecdsa.PrivateKey, stampPub []byte) ([]byte, error) {
	if len(stampPub) != PublicKeySize {
		return nil, fmt.Errorf("bad stamp public key length %d", len(stampPub))
	}
	return crypto.Sign(eip191Hash(stampPub), accountKey)
}

// VerifyEvidence checks that evidence over stampPub recovers to account.
// Both 0/1 and 27/28 recovery bytes are accepted; wallet tooling emits the
// legacy form.
func VerifyEvidence(account common.Address, stampPub, evidence []byte) error {
	if len(evidence) != SignatureSize {
		return fmt.Errorf("%w: bad evidence length %d", ErrInvalidSignature, len(evidence))
	}
	recovered, err := crypto.SigToPub(eip191Hash(stampPub), normalizeV(evidence))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*recovered) != account {
		return fmt.Errorf("%w: evidence does not recover to %s", ErrInvalidSignature, account.Hex())
	}
	return nil
}
