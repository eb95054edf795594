package logmsg

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Domain prefixes for content digests.
const (
	DomainLogFile     = "seapi/logfile/v1"
	DomainCertificate = "seapi/certificate/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FileDigest returns the manifest digest of an exported log file.
func FileDigest(der []byte) string {
	return hashWithDomain(DomainLogFile, der)
}

// CertificateDigest returns the manifest digest of an exported certificate chain.
func CertificateDigest(chain []byte) string {
	return hashWithDomain(DomainCertificate, chain)
}

// SerialNumber derives the key serial number: SHA-256 of the DER public key.
func SerialNumber(publicKeyDER []byte) []byte {
	sum := sha256.Sum256(publicKeyDER)
	return sum[:]
}

// SerialHex formats a serial number for filenames and logs.
func SerialHex(serial []byte) string {
	return strings.ToUpper(hex.EncodeToString(serial))
}
