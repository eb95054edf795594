package logmsg

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seapi/internal/clock"
)

const messageVersion = 2

// LogMessage is a committed, immutable log record.
type LogMessage struct {
	SignatureCounter   uint64
	LogTime            time.Time
	TimeFormat         clock.SyncVariant
	SerialNumber       []byte
	SignatureAlgorithm asn1.ObjectIdentifier
	Payload            Payload
	SignatureValue     []byte

	// CertificateExpired records the certificate status at signing time.
	// It is stored alongside the message and is not part of the DER encoding.
	CertificateExpired bool
}

// Kind returns the kind of the message payload.
func (m LogMessage) Kind() Kind {
	if m.Payload == nil {
		return 0
	}
	return m.Payload.Kind()
}

// Signed reports whether the message carries a signature.
func (m LogMessage) Signed() bool {
	return len(m.SignatureValue) > 0
}

type algorithmIdentifier struct {
	Algorithm asn1.ObjectIdentifier
}

type derLogMessage struct {
	Version            int
	CertifiedDataType  asn1.ObjectIdentifier
	CertifiedData      asn1.RawValue
	SerialNumber       []byte
	SignatureAlgorithm algorithmIdentifier
	SignatureCounter   int64
	LogTime            asn1.RawValue
	SignatureValue     []byte `asn1:"optional,omitempty"`
}

// SigningInput returns the bytes the signature is computed over: the DER
// encoding of the message with the signature value left out.
func (m LogMessage) SigningInput() ([]byte, error) {
	unsigned := m
	unsigned.SignatureValue = nil
	return unsigned.Marshal()
}

// Marshal returns the DER encoding of m.
func (m LogMessage) Marshal() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("marshal log message: missing payload")
	}
	if m.SignatureCounter > 1<<63-1 {
		return nil, fmt.Errorf("marshal log message: counter %d out of range", m.SignatureCounter)
	}
	data, err := m.Payload.marshalDER()
	if err != nil {
		return nil, fmt.Errorf("marshal log message: certified data: %w", err)
	}
	logTime, err := marshalLogTime(m.LogTime, m.TimeFormat)
	if err != nil {
		return nil, fmt.Errorf("marshal log message: %w", err)
	}
	alg := m.SignatureAlgorithm
	if alg == nil {
		alg = OIDECDSAWithSHA256
	}
	der, err := asn1.Marshal(derLogMessage{
		Version:            messageVersion,
		CertifiedDataType:  m.Kind().OID(),
		CertifiedData:      asn1.RawValue{FullBytes: data},
		SerialNumber:       nonNil(m.SerialNumber),
		SignatureAlgorithm: algorithmIdentifier{Algorithm: alg},
		SignatureCounter:   int64(m.SignatureCounter),
		LogTime:            asn1.RawValue{FullBytes: logTime},
		SignatureValue:     m.SignatureValue,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal log message: %w", err)
	}
	return der, nil
}

// Unmarshal decodes a DER log message.
// CertificateExpired is not part of the encoding and is always false.
func Unmarshal(der []byte) (LogMessage, error) {
	var d derLogMessage
	if err := unmarshalExact(der, &d); err != nil {
		return LogMessage{}, fmt.Errorf("unmarshal log message: %w", err)
	}
	if d.Version != messageVersion {
		return LogMessage{}, fmt.Errorf("unmarshal log message: unsupported version %d", d.Version)
	}
	if d.SignatureCounter < 1 {
		return LogMessage{}, fmt.Errorf("unmarshal log message: invalid signature counter %d", d.SignatureCounter)
	}
	kind, err := kindFromOID(d.CertifiedDataType)
	if err != nil {
		return LogMessage{}, fmt.Errorf("unmarshal log message: %w", err)
	}
	payload, err := unmarshalPayload(kind, d.CertifiedData.FullBytes)
	if err != nil {
		return LogMessage{}, fmt.Errorf("unmarshal log message: %w", err)
	}
	logTime, format, err := unmarshalLogTime(d.LogTime)
	if err != nil {
		return LogMessage{}, fmt.Errorf("unmarshal log message: %w", err)
	}
	return LogMessage{
		SignatureCounter:   uint64(d.SignatureCounter),
		LogTime:            logTime,
		TimeFormat:         format,
		SerialNumber:       d.SerialNumber,
		SignatureAlgorithm: d.SignatureAlgorithm.Algorithm,
		Payload:            payload,
		SignatureValue:     d.SignatureValue,
	}, nil
}

// TimeFormatFor returns the log time format used for messages created under
// sync variant v.
func TimeFormatFor(v clock.SyncVariant) clock.SyncVariant {
	if v == clock.NoInput {
		return clock.UnixTime
	}
	return v
}

// marshalLogTime encodes t in the CHOICE alternative selected by format.
func marshalLogTime(t time.Time, format clock.SyncVariant) ([]byte, error) {
	t = t.UTC().Truncate(time.Second)
	switch format {
	case clock.UTCTime:
		return asn1.MarshalWithParams(t, "utc")
	case clock.GeneralizedTime:
		return asn1.MarshalWithParams(t, "generalized")
	case clock.UnixTime, clock.NoInput:
		return asn1.Marshal(t.Unix())
	}
	return nil, fmt.Errorf("log time: unknown format %s", format)
}

func unmarshalLogTime(raw asn1.RawValue) (time.Time, clock.SyncVariant, error) {
	if raw.Class != asn1.ClassUniversal {
		return time.Time{}, 0, fmt.Errorf("log time: unexpected class %d", raw.Class)
	}
	switch raw.Tag {
	case asn1.TagInteger:
		var sec int64
		if err := unmarshalExact(raw.FullBytes, &sec); err != nil {
			return time.Time{}, 0, fmt.Errorf("log time: %w", err)
		}
		return time.Unix(sec, 0).UTC(), clock.UnixTime, nil
	case asn1.TagUTCTime:
		var t time.Time
		if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &t, "utc"); err != nil {
			return time.Time{}, 0, fmt.Errorf("log time: %w", err)
		}
		return t.UTC(), clock.UTCTime, nil
	case asn1.TagGeneralizedTime:
		var t time.Time
		if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &t, "generalized"); err != nil {
			return time.Time{}, 0, fmt.Errorf("log time: %w", err)
		}
		return t.UTC(), clock.GeneralizedTime, nil
	}
	return time.Time{}, 0, fmt.Errorf("log time: unexpected tag %d", raw.Tag)
}
