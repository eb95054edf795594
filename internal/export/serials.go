package export

import (
	"bytes"
	"encoding/asn1"
	"encoding/hex"
	"fmt"

	"github.com/roach88/seapi/internal/signer"
)

// SerialNumberRecord is one element of the serial number export:
//
//	SerialNumberRecord ::= SEQUENCE {
//	    serialNumber              OCTET STRING,
//	    isUsedForTransactionLogs  BOOLEAN,
//	    isUsedForSystemLogs       BOOLEAN }
type SerialNumberRecord struct {
	SerialNumber             []byte
	IsUsedForTransactionLogs bool
	IsUsedForSystemLogs      bool
}

// encodeSerialNumbers returns SEQUENCE OF SerialNumberRecord, one record
// per distinct serial, in the order the serials first appear.
func encodeSerialNumbers(certs []signer.Certificate) ([]byte, error) {
	var records []SerialNumberRecord
	for _, c := range certs {
		i := indexOfSerial(records, c.SerialNumber)
		if i < 0 {
			records = append(records, SerialNumberRecord{SerialNumber: c.SerialNumber})
			i = len(records) - 1
		}
		switch c.Purpose {
		case signer.PurposeTransaction:
			records[i].IsUsedForTransactionLogs = true
		case signer.PurposeSystem:
			records[i].IsUsedForSystemLogs = true
		}
	}
	der, err := asn1.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode serial numbers: %w", err)
	}
	return der, nil
}

// DecodeSerialNumbers parses the serial number export.
func DecodeSerialNumbers(der []byte) ([]SerialNumberRecord, error) {
	var records []SerialNumberRecord
	rest, err := asn1.Unmarshal(der, &records)
	if err != nil {
		return nil, fmt.Errorf("decode serial numbers: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("decode serial numbers: %d trailing bytes", len(rest))
	}
	return records, nil
}

func indexOfSerial(records []SerialNumberRecord, serial []byte) int {
	for i, r := range records {
		if bytes.Equal(r.SerialNumber, serial) {
			return i
		}
	}
	return -1
}

func parseSerialHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("serial number %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty serial number")
	}
	return b, nil
}
