package logmsg

import (
	"fmt"
	"strings"

	"github.com/roach88/seapi/internal/clock"
)

// Filename returns the export filename of m, unique per signature counter.
//
// Examples:
//
//	Unixt_1700000000_Sig-7_Log-Tra_No-3_Start_Client-pos1.log
//	Gent_20231114221320Z_Sig-8_Log-Sys_AuthenticateUser.log
//	Utc_231114221320Z_Sig-9_Log-Aud.log
func (m LogMessage) Filename() string {
	var b strings.Builder
	t := m.LogTime.UTC()
	switch TimeFormatFor(m.TimeFormat) {
	case clock.UTCTime:
		b.WriteString("Utc_" + t.Format("060102150405") + "Z")
	case clock.GeneralizedTime:
		b.WriteString("Gent_" + t.Format("20060102150405") + "Z")
	default:
		fmt.Fprintf(&b, "Unixt_%d", t.Unix())
	}
	fmt.Fprintf(&b, "_Sig-%d_Log-%s", m.SignatureCounter, m.Kind().filenameTag())

	switch p := m.Payload.(type) {
	case TransactionData:
		fmt.Fprintf(&b, "_No-%d_%s_Client-%s", p.TransactionNumber, p.Operation.short(), sanitize(p.ClientID))
	case SystemData:
		b.WriteString("_" + sanitize(p.Operation))
	}
	b.WriteString(".log")
	return b.String()
}

func (o TransactionOperation) short() string {
	switch o {
	case OpStart:
		return "Start"
	case OpUpdate:
		return "Update"
	case OpFinish:
		return "Finish"
	}
	return sanitize(string(o))
}

// sanitize keeps filename components to [A-Za-z0-9.-]; anything else becomes '-'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '-'
	}, s)
}
