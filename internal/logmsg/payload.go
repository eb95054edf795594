package logmsg

import (
	"encoding/asn1"
	"fmt"
)

// TransactionOperation is the transaction lifecycle step recorded by a
// TransactionLog message.
type TransactionOperation string

const (
	OpStart  TransactionOperation = "StartTransaction"
	OpUpdate TransactionOperation = "UpdateTransaction"
	OpFinish TransactionOperation = "FinishTransaction"
)

// Payload is the certified data of a log message.
// Implemented by TransactionData, SystemData and AuditData.
type Payload interface {
	Kind() Kind
	marshalDER() ([]byte, error)
}

// TransactionData is the certified data of a TransactionLog message.
type TransactionData struct {
	Operation              TransactionOperation
	ClientID               string
	ProcessData            []byte
	ProcessType            string
	TransactionNumber      uint64
	AdditionalExternalData []byte
}

// SystemData is the certified data of a SystemLog message.
// OperationData is the canonical JSON descriptor of the operation (see Canonical).
type SystemData struct {
	Operation     string
	OperationData []byte
}

// AuditData is the certified data of an AuditLog message.
type AuditData struct {
	Data []byte
}

func (TransactionData) Kind() Kind { return TransactionLog }
func (SystemData) Kind() Kind      { return SystemLog }
func (AuditData) Kind() Kind       { return AuditLog }

type derTransactionData struct {
	Operation              string `asn1:"printable"`
	ClientID               string `asn1:"utf8"`
	ProcessData            []byte
	ProcessType            string `asn1:"utf8"`
	TransactionNumber      int64
	AdditionalExternalData []byte `asn1:"optional,omitempty"`
}

type derSystemData struct {
	Operation     string `asn1:"printable"`
	OperationData []byte
}

type derAuditData struct {
	Data []byte
}

func (d TransactionData) marshalDER() ([]byte, error) {
	return asn1.Marshal(derTransactionData{
		Operation:              string(d.Operation),
		ClientID:               d.ClientID,
		ProcessData:            nonNil(d.ProcessData),
		ProcessType:            d.ProcessType,
		TransactionNumber:      int64(d.TransactionNumber),
		AdditionalExternalData: d.AdditionalExternalData,
	})
}

func (d SystemData) marshalDER() ([]byte, error) {
	return asn1.Marshal(derSystemData{Operation: d.Operation, OperationData: nonNil(d.OperationData)})
}

func (d AuditData) marshalDER() ([]byte, error) {
	return asn1.Marshal(derAuditData{Data: nonNil(d.Data)})
}

func unmarshalPayload(kind Kind, der []byte) (Payload, error) {
	switch kind {
	case TransactionLog:
		var d derTransactionData
		if err := unmarshalExact(der, &d); err != nil {
			return nil, fmt.Errorf("transaction data: %w", err)
		}
		if d.TransactionNumber < 0 {
			return nil, fmt.Errorf("transaction data: negative transaction number")
		}
		return TransactionData{
			Operation:              TransactionOperation(d.Operation),
			ClientID:               d.ClientID,
			ProcessData:            d.ProcessData,
			ProcessType:            d.ProcessType,
			TransactionNumber:      uint64(d.TransactionNumber),
			AdditionalExternalData: d.AdditionalExternalData,
		}, nil
	case SystemLog:
		var d derSystemData
		if err := unmarshalExact(der, &d); err != nil {
			return nil, fmt.Errorf("system data: %w", err)
		}
		return SystemData{Operation: d.Operation, OperationData: d.OperationData}, nil
	case AuditLog:
		var d derAuditData
		if err := unmarshalExact(der, &d); err != nil {
			return nil, fmt.Errorf("audit data: %w", err)
		}
		return AuditData{Data: d.Data}, nil
	}
	return nil, fmt.Errorf("unknown kind %s", kind)
}

func unmarshalExact(der []byte, v any) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%d trailing bytes", len(rest))
	}
	return nil
}

// nonNil maps nil to the empty slice that decoding yields.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
