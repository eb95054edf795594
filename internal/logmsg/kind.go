// Package logmsg defines the log messages produced by the Secure Element
// and their DER encoding.
//
// Every auditable event becomes exactly one LogMessage. A message carries the
// global signature counter, the log time, the serial number of the signing
// key, the kind-specific certified data and the signature over all of it.
//
// Encoding follows the TR-03151 log message layout:
//
//	LogMessage ::= SEQUENCE {
//	    version            INTEGER (2),
//	    certifiedDataType  OBJECT IDENTIFIER,
//	    certifiedData      ANY DEFINED BY certifiedDataType,
//	    serialNumber       OCTET STRING,
//	    signatureAlgorithm SEQUENCE { algorithm OBJECT IDENTIFIER },
//	    signatureCounter   INTEGER,
//	    logTime            CHOICE { INTEGER, UTCTime, GeneralizedTime },
//	    signatureValue     OCTET STRING OPTIONAL
//	}
//
// The signature is computed over the same structure with signatureValue absent
// (see LogMessage.SigningInput).
package logmsg

import (
	"encoding/asn1"
	"fmt"
)

// Kind identifies the category of a log message.
type Kind int

const (
	TransactionLog Kind = iota + 1
	SystemLog
	AuditLog
)

// Certified data type identifiers (bsi-de 0.4.0.127.0.7.3.7.1.x).
var (
	OIDTransactionLog = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 3, 7, 1, 1}
	OIDSystemLog      = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 3, 7, 1, 2}
	OIDAuditLog       = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 3, 7, 1, 3}
)

// OIDECDSAWithSHA256 is the signature algorithm of the software signer.
var OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}

func (k Kind) String() string {
	switch k {
	case TransactionLog:
		return "transaction"
	case SystemLog:
		return "system"
	case AuditLog:
		return "audit"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the names produced by String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "transaction":
		return TransactionLog, nil
	case "system":
		return SystemLog, nil
	case "audit":
		return AuditLog, nil
	}
	return 0, fmt.Errorf("unknown log message kind %q", s)
}

// OID returns the certified data type of k.
func (k Kind) OID() asn1.ObjectIdentifier {
	switch k {
	case TransactionLog:
		return OIDTransactionLog
	case SystemLog:
		return OIDSystemLog
	case AuditLog:
		return OIDAuditLog
	}
	return nil
}

func kindFromOID(oid asn1.ObjectIdentifier) (Kind, error) {
	switch {
	case oid.Equal(OIDTransactionLog):
		return TransactionLog, nil
	case oid.Equal(OIDSystemLog):
		return SystemLog, nil
	case oid.Equal(OIDAuditLog):
		return AuditLog, nil
	}
	return 0, fmt.Errorf("unknown certified data type %s", oid)
}

// filenameTag is the Log-xxx component of an export filename.
func (k Kind) filenameTag() string {
	switch k {
	case TransactionLog:
		return "Tra"
	case SystemLog:
		return "Sys"
	default:
		return "Aud"
	}
}
