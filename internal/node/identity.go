package node

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"prenet/internal/proto"
	"prenet/internal/stamp"
)

// Identity is the key material a node operates with: its stamp, the
// account-controlled key that vouches for the stamp, and the worker address
// bonded on chain. Evidence is issued once and reused until re-bonding.
type Identity struct {
	Stamp    *stamp.Stamp
	Account  common.Address
	Worker   common.Address
	Evidence []byte

	accountKey *ecdsa.PrivateKey
}

func NewIdentity(st *stamp.Stamp, accountKey *ecdsa.PrivateKey, worker common.Address) (*Identity, error) {
	evidence, err := stamp.IssueEvidence(accountKey, st.PublicKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("issue identity evidence: %w", err)
	}
	account := crypto.PubkeyToAddress(accountKey.PublicKey)
	if worker == (common.Address{}) {
		worker = account
	}
	return &Identity{
		Stamp:      st,
		Account:    account,
		Worker:     worker,
		Evidence:   evidence,
		accountKey: accountKey,
	}, nil
}

// LoadIdentity reads (or creates) the stamp and account keys under home.
func LoadIdentity(home string, worker common.Address) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	st, err := stamp.LoadOrGenerate(home + "/stamp.key")
	if err != nil {
		return nil, fmt.Errorf("load stamp key: %w", err)
	}
	accountKey, err := crypto.LoadECDSA(home + "/account.key")
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load account key: %w", err)
		}
		accountKey, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveECDSA(home+"/account.key", accountKey); err != nil {
			return nil, err
		}
	}
	return NewIdentity(st, accountKey, worker)
}

// IssueMetadata produces freshly-signed node metadata for the given
// interface. Called at bootstrap and whenever address, port or certificate
// changes; the new timestamp supersedes older metadata everywhere it
// gossips.
func (id *Identity) IssueMetadata(address string, port int, certFingerprint []byte, at time.Time) (proto.NodeMetadata, error) {
	msg := proto.SignableInterfaceMessage(address, port, certFingerprint, id.Account)
	sig, err := id.Stamp.Sign(msg)
	if err != nil {
		return proto.NodeMetadata{}, fmt.Errorf("sign interface message: %w", err)
	}
	return proto.NodeMetadata{
		Address:         address,
		Port:            port,
		StampPub:        hex.EncodeToString(id.Stamp.PublicKeyBytes()),
		InterfaceSig:    hex.EncodeToString(sig),
		Evidence:        hex.EncodeToString(id.Evidence),
		CertFingerprint: hex.EncodeToString(certFingerprint),
		Account:         id.Account.Hex(),
		Worker:          id.Worker.Hex(),
		Timestamp:       at.Unix(),
	}, nil
}
