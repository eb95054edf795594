package logmsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	got, err := Canonical(map[string]any{
		"b":      int64(2),
		"a":      "x",
		"nested": map[string]any{"z": true, "y": []string{"p", "q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"nested":{"y":["p","q"],"z":true}}`, string(got))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]any{"d": "<a&b>\"\\\n"})
	require.NoError(t, err)
	assert.Equal(t, `{"d":"<a&b>\"\\\n"}`, string(got))
}

func TestCanonical_NFC(t *testing.T) {
	got, err := Canonical(map[string]any{"n": "Cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":\"Caf\u00e9\"}", string(got))
}

func TestCanonical_ValueTypes(t *testing.T) {
	got, err := Canonical(map[string]any{
		"bytes": []byte{0xff},
		"time":  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		"u":     uint64(18446744073709551615),
		"i":     42,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"bytes":"/w==","i":42,"time":"2024-03-01T12:00:00Z","u":18446744073709551615}`, string(got))
}

func TestCanonical_Rejects(t *testing.T) {
	_, err := Canonical(map[string]any{"f": 1.5})
	assert.Error(t, err)
	_, err = Canonical(map[string]any{"n": nil})
	assert.Error(t, err)
	_, err = Canonical(map[string]any{"s": struct{}{}})
	assert.Error(t, err)
}

func TestDigests(t *testing.T) {
	assert.Equal(t, "7b245304643c8013b69241b69b987b4b5f544a1cfe52a15a6f2b80be2c74f3fb", FileDigest([]byte("hello")))
	assert.NotEqual(t, FileDigest([]byte("hello")), CertificateDigest([]byte("hello")))
	assert.Equal(t, "0017DEA7770F7ECFF7AB3C20506546129E96BDEBA2F544BB8E5414EB79786122", SerialHex(SerialNumber([]byte("pub"))))
}
