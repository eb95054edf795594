package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/seapi/internal/logmsg"
)

// Software signs with ECDSA P-256 keys held in process memory and issues
// self-signed certificates for them.
//
// Keys can be persisted to a directory so the same serial numbers survive
// restarts (see OpenSoftware).
type Software struct {
	mu    sync.Mutex
	keys  map[KeyPurpose]*ecdsa.PrivateKey
	certs map[KeyPurpose]Certificate
}

var _ Signer = (*Software)(nil)

// NewSoftware generates fresh keys for every purpose with certificates valid
// from notBefore for validity.
func NewSoftware(notBefore time.Time, validity time.Duration) (*Software, error) {
	s := &Software{
		keys:  make(map[KeyPurpose]*ecdsa.PrivateKey),
		certs: make(map[KeyPurpose]Certificate),
	}
	for _, p := range Purposes {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate %s key: %w", p, err)
		}
		if err := s.install(p, key, notBefore, validity); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenSoftware loads keys from dir, generating and writing any that are
// missing. Files are named <purpose>.key.pem (PKCS #8) and <purpose>.cer (DER).
func OpenSoftware(dir string, notBefore time.Time, validity time.Duration) (*Software, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open software signer: %w", err)
	}
	s := &Software{
		keys:  make(map[KeyPurpose]*ecdsa.PrivateKey),
		certs: make(map[KeyPurpose]Certificate),
	}
	for _, p := range Purposes {
		keyPath := filepath.Join(dir, string(p)+".key.pem")
		certPath := filepath.Join(dir, string(p)+".cer")

		key, err := readKey(keyPath)
		if errors.Is(err, os.ErrNotExist) {
			key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("generate %s key: %w", p, err)
			}
			if err := writeKey(keyPath, key); err != nil {
				return nil, err
			}
			_ = os.Remove(certPath)
		} else if err != nil {
			return nil, err
		}

		if der, err := os.ReadFile(certPath); err == nil {
			if err := s.load(p, key, der); err != nil {
				return nil, fmt.Errorf("load %s certificate: %w", p, err)
			}
			continue
		}
		if err := s.install(p, key, notBefore, validity); err != nil {
			return nil, err
		}
		cert := s.certs[p]
		if err := os.WriteFile(certPath, cert.Chain[0], 0o600); err != nil {
			return nil, fmt.Errorf("write %s certificate: %w", p, err)
		}
	}
	return s, nil
}

// Sign signs SHA-256(payload) with the purpose key, ASN.1 encoded.
func (s *Software) Sign(ctx context.Context, purpose KeyPurpose, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	key, ok := s.keys[purpose]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key for purpose %q", purpose)
	}
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// Certificate returns the self-signed certificate of the purpose key.
func (s *Software) Certificate(ctx context.Context, purpose KeyPurpose) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[purpose]
	if !ok {
		return Certificate{}, fmt.Errorf("no certificate for purpose %q", purpose)
	}
	return cert, nil
}

// Algorithm returns ecdsa-with-SHA256.
func (s *Software) Algorithm() asn1.ObjectIdentifier {
	return logmsg.OIDECDSAWithSHA256
}

// Verify checks an ECDSA signature against the leaf certificate of cert.
func Verify(cert Certificate, payload, signature []byte) error {
	if len(cert.Chain) == 0 {
		return errors.New("verify: empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(cert.Chain[0])
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("verify: unsupported key type %T", leaf.PublicKey)
	}
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return errors.New("verify: signature mismatch")
	}
	return nil
}

func (s *Software) install(p KeyPurpose, key *ecdsa.PrivateKey, notBefore time.Time, validity time.Duration) error {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal %s public key: %w", p, err)
	}
	serial := logmsg.SerialNumber(pubDER)
	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(serial[:16]),
		Subject:               pkix.Name{CommonName: "seapi " + string(p), SerialNumber: logmsg.SerialHex(serial)},
		NotBefore:             notBefore.UTC().Truncate(time.Second),
		NotAfter:              notBefore.UTC().Truncate(time.Second).Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create %s certificate: %w", p, err)
	}
	return s.load(p, key, der)
}

func (s *Software) load(p KeyPurpose, key *ecdsa.PrivateKey, der []byte) error {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[p] = key
	s.certs[p] = Certificate{
		SerialNumber: logmsg.SerialNumber(pubDER),
		Purpose:      p,
		ValidFrom:    leaf.NotBefore.UTC(),
		ValidTo:      leaf.NotAfter.UTC(),
		Chain:        [][]byte{der},
	}
	return nil
}

func readKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("read key %s: no PRIVATE KEY block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("read key %s: not an ECDSA key", path)
	}
	return key, nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}
