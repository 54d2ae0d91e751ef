package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"
)

const alpnProto = "prenet-quic"

// NodeTLS is a node's transport identity: a fresh self-signed certificate
// whose SHA-256 fingerprint travels inside the node's signed metadata.
// Dialers pin the fingerprint they were told about; there is no CA.
type NodeTLS struct {
	cert        tls.Certificate
	fingerprint [32]byte
}

func NewNodeTLS(host string) (*NodeTLS, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	if host != "" {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &NodeTLS{
		cert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		},
		fingerprint: sha256.Sum256(der),
	}, nil
}

func (n *NodeTLS) Fingerprint() []byte {
	out := make([]byte, len(n.fingerprint))
	copy(out, n.fingerprint[:])
	return out
}

func (n *NodeTLS) FingerprintHex() string {
	return hex.EncodeToString(n.fingerprint[:])
}

func (n *NodeTLS) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{n.cert},
		NextProtos:   []string{alpnProto},
	}
}

// ClientConfigPinned accepts exactly the certificate with the given
// fingerprint. An empty fingerprint skips pinning; that is only for peers
// whose metadata we have not learned yet.
func ClientConfigPinned(fingerprint []byte) *tls.Config {
	expected := make([]byte, len(fingerprint))
	copy(expected, fingerprint)
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(expected) == 0 {
				return nil
			}
			for _, der := range rawCerts {
				sum := sha256.Sum256(der)
				if string(sum[:]) == string(expected) {
					return nil
				}
			}
			return fmt.Errorf("certificate fingerprint mismatch")
		},
	}
}
