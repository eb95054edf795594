package export

import (
	"archive/tar"
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
)

// ManifestName is the archive entry describing the archive contents.
const ManifestName = "manifest.yaml"

const certificateSuffix = "_X509.cer"

// Manifest is the YAML index written as the last entry of every archive.
type Manifest struct {
	ArchiveID    string         `yaml:"archive_id"`
	Created      time.Time      `yaml:"created"`
	Description  string         `yaml:"description,omitempty"`
	Filter       ManifestFilter `yaml:"filter"`
	Records      int            `yaml:"records"`
	Files        []ManifestFile `yaml:"files"`
	Certificates []ManifestCert `yaml:"certificates"`
}

// ManifestFilter records the query that produced the archive.
type ManifestFilter struct {
	Scope                  string     `yaml:"scope"`
	TransactionNumber      uint64     `yaml:"transaction_number,omitempty"`
	StartTransactionNumber uint64     `yaml:"start_transaction_number,omitempty"`
	EndTransactionNumber   uint64     `yaml:"end_transaction_number,omitempty"`
	StartDate              *time.Time `yaml:"start_date,omitempty"`
	EndDate                *time.Time `yaml:"end_date,omitempty"`
	ClientID               string     `yaml:"client_id,omitempty"`
	MaxRecords             int64      `yaml:"max_records,omitempty"`
}

// ManifestFile is one log file entry.
type ManifestFile struct {
	Name   string `yaml:"name"`
	Digest string `yaml:"digest"`
}

// ManifestCert is one certificate entry.
type ManifestCert struct {
	SerialNumber string    `yaml:"serial_number"`
	Purpose      string    `yaml:"purpose"`
	ValidFrom    time.Time `yaml:"valid_from"`
	ValidTo      time.Time `yaml:"valid_to"`
	File         string    `yaml:"file"`
	Digest       string    `yaml:"digest"`
}

func manifestFilter(q Query) ManifestFilter {
	return ManifestFilter{
		Scope:                  q.Scope.String(),
		TransactionNumber:      q.TransactionNumber,
		StartTransactionNumber: q.StartTransactionNumber,
		EndTransactionNumber:   q.EndTransactionNumber,
		StartDate:              utcPtr(q.StartDate),
		EndDate:                utcPtr(q.EndDate),
		ClientID:               q.ClientID,
		MaxRecords:             q.MaxRecords,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CertificateFilename returns the archive name of a certificate chain.
func CertificateFilename(serial []byte) string {
	return logmsg.SerialHex(serial) + certificateSuffix
}

// archiveWriter builds a TAR archive in memory with unique entry names.
type archiveWriter struct {
	buf   bytes.Buffer
	tw    *tar.Writer
	names map[string]bool
}

func newArchiveWriter() *archiveWriter {
	w := &archiveWriter{names: make(map[string]bool)}
	w.tw = tar.NewWriter(&w.buf)
	return w
}

// add writes one entry and returns the name used. A name already present
// in the archive gets a numeric suffix before its extension.
func (w *archiveWriter) add(name string, data []byte, modTime time.Time) (string, error) {
	name = w.unique(name)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime.UTC(),
		Format:  tar.FormatPAX,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	w.names[name] = true
	return name, nil
}

func (w *archiveWriter) unique(name string) string {
	if !w.names[name] {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !w.names[candidate] {
			return candidate
		}
	}
}

func (w *archiveWriter) addCertificate(c signer.Certificate, at time.Time) (ManifestCert, error) {
	chain := store.JoinChain(c.Chain)
	name, err := w.add(CertificateFilename(c.SerialNumber), chain, at)
	if err != nil {
		return ManifestCert{}, err
	}
	return ManifestCert{
		SerialNumber: logmsg.SerialHex(c.SerialNumber),
		Purpose:      string(c.Purpose),
		ValidFrom:    c.ValidFrom.UTC(),
		ValidTo:      c.ValidTo.UTC(),
		File:         name,
		Digest:       logmsg.CertificateDigest(chain),
	}, nil
}

func (w *archiveWriter) finish(m Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := w.add(ManifestName, data, m.Created); err != nil {
		return nil, err
	}
	if err := w.tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return w.buf.Bytes(), nil
}

// parsedArchive is the fully read and verified content of an archive.
type parsedArchive struct {
	manifest     Manifest
	files        []store.RestoredFile
	certificates []signer.Certificate
}

// readArchive reads every entry of data and checks it against the manifest.
// Nothing is returned unless the whole archive is well formed.
func readArchive(data []byte) (parsedArchive, error) {
	entries := make(map[string][]byte)
	var order []string

	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parsedArchive{}, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return parsedArchive{}, fmt.Errorf("read archive: unexpected entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
		if _, dup := entries[hdr.Name]; dup {
			return parsedArchive{}, fmt.Errorf("read archive: duplicate entry %s", hdr.Name)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return parsedArchive{}, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		entries[hdr.Name] = body
		order = append(order, hdr.Name)
	}

	raw, ok := entries[ManifestName]
	if !ok {
		return parsedArchive{}, errors.New("read archive: missing " + ManifestName)
	}
	var p parsedArchive
	if err := yaml.Unmarshal(raw, &p.manifest); err != nil {
		return parsedArchive{}, fmt.Errorf("read manifest: %w", err)
	}

	listed := make(map[string]bool, len(p.manifest.Files)+len(p.manifest.Certificates)+1)
	listed[ManifestName] = true

	for _, f := range p.manifest.Files {
		if listed[f.Name] {
			return parsedArchive{}, fmt.Errorf("read archive: %s listed twice", f.Name)
		}
		body, ok := entries[f.Name]
		if !ok {
			return parsedArchive{}, fmt.Errorf("read archive: missing log file %s", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".log") {
			return parsedArchive{}, fmt.Errorf("read archive: %s is not a log file", f.Name)
		}
		if logmsg.FileDigest(body) != f.Digest {
			return parsedArchive{}, fmt.Errorf("read archive: digest mismatch for %s", f.Name)
		}
		if _, err := logmsg.Unmarshal(body); err != nil {
			return parsedArchive{}, fmt.Errorf("read archive: %s: %w", f.Name, err)
		}
		listed[f.Name] = true
		p.files = append(p.files, store.RestoredFile{OriginalFilename: f.Name, DER: body})
	}

	for _, c := range p.manifest.Certificates {
		if listed[c.File] {
			return parsedArchive{}, fmt.Errorf("read archive: %s listed twice", c.File)
		}
		body, ok := entries[c.File]
		if !ok {
			return parsedArchive{}, fmt.Errorf("read archive: missing certificate %s", c.File)
		}
		if logmsg.CertificateDigest(body) != c.Digest {
			return parsedArchive{}, fmt.Errorf("read archive: digest mismatch for %s", c.File)
		}
		cert, err := parseCertificate(c, body)
		if err != nil {
			return parsedArchive{}, fmt.Errorf("read archive: %s: %w", c.File, err)
		}
		listed[c.File] = true
		p.certificates = append(p.certificates, cert)
	}

	for _, name := range order {
		if !listed[name] {
			return parsedArchive{}, fmt.Errorf("read archive: entry %s not in manifest", name)
		}
	}
	return p, nil
}

// parseCertificate derives the serial number from the leaf public key. A
// manifest serial that disagrees with it rejects the archive.
func parseCertificate(c ManifestCert, body []byte) (signer.Certificate, error) {
	purpose, err := signer.ParsePurpose(c.Purpose)
	if err != nil {
		return signer.Certificate{}, err
	}
	claimed, err := parseSerialHex(c.SerialNumber)
	if err != nil {
		return signer.Certificate{}, err
	}
	chain, err := store.SplitChain(body)
	if err != nil {
		return signer.Certificate{}, fmt.Errorf("certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return signer.Certificate{}, errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return signer.Certificate{}, fmt.Errorf("leaf certificate: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return signer.Certificate{}, fmt.Errorf("leaf public key: %w", err)
	}
	serial := logmsg.SerialNumber(pubDER)
	if !bytes.Equal(serial, claimed) {
		return signer.Certificate{}, fmt.Errorf("serial number %s does not match the leaf key %s",
			c.SerialNumber, logmsg.SerialHex(serial))
	}
	return signer.Certificate{
		SerialNumber: serial,
		Purpose:      purpose,
		ValidFrom:    c.ValidFrom.UTC(),
		ValidTo:      c.ValidTo.UTC(),
		Chain:        chain,
	}, nil
}
