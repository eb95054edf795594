package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/logmsg"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

// createTestStore opens a fresh database file under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(t *testing.T, counter uint64, payload logmsg.Payload) Record {
	t.Helper()
	rec, err := NewRecord(logmsg.LogMessage{
		SignatureCounter: counter,
		LogTime:          testEpoch.Add(time.Duration(counter) * time.Second),
		TimeFormat:       clock.UnixTime,
		SerialNumber:     []byte{0xAB},
		Payload:          payload,
		SignatureValue:   []byte{0x01},
	})
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	return rec
}

func systemPayload(op string) logmsg.SystemData {
	return logmsg.SystemData{Operation: op, OperationData: []byte("{}")}
}

func txPayload(op logmsg.TransactionOperation, number uint64, client string) logmsg.TransactionData {
	return logmsg.TransactionData{
		Operation:         op,
		ClientID:          client,
		ProcessData:       []byte("data"),
		ProcessType:       "Kassenbeleg-V1",
		TransactionNumber: number,
	}
}
