package export

import (
	"errors"
	"fmt"
	"time"
)

// Scope selects which export filter a Query applies.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeTransaction
	ScopeTransactionInterval
	ScopePeriod
)

var scopeNames = [...]string{"all", "transaction", "transactionInterval", "periodOfTime"}

func (s Scope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return fmt.Sprintf("Scope(%d)", int(s))
	}
	return scopeNames[s]
}

// ParseScope parses a scope name.
func ParseScope(s string) (Scope, error) {
	for i, name := range scopeNames {
		if name == s {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("unknown export scope %q", s)
}

// Query describes one export call.
//
// Transaction numbers and dates are inclusive bounds. An empty ClientID does
// not constrain. MaxRecords zero means unbounded.
type Query struct {
	Scope                  Scope
	TransactionNumber      uint64
	StartTransactionNumber uint64
	EndTransactionNumber   uint64
	StartDate              *time.Time
	EndDate                *time.Time
	ClientID               string
	MaxRecords             int64
}

// All exports every stored log message and restored file.
func All(maxRecords int64) Query {
	return Query{Scope: ScopeAll, MaxRecords: maxRecords}
}

// ByTransactionNumber exports one transaction.
func ByTransactionNumber(number uint64, clientID string) Query {
	return Query{Scope: ScopeTransaction, TransactionNumber: number, ClientID: clientID}
}

// ByTransactionNumberInterval exports the transactions numbered start to end.
func ByTransactionNumberInterval(start, end uint64, clientID string, maxRecords int64) Query {
	return Query{
		Scope:                  ScopeTransactionInterval,
		StartTransactionNumber: start,
		EndTransactionNumber:   end,
		ClientID:               clientID,
		MaxRecords:             maxRecords,
	}
}

// ByPeriodOfTime exports the messages logged between start and end.
func ByPeriodOfTime(start, end time.Time, clientID string, maxRecords int64) Query {
	return Query{Scope: ScopePeriod, StartDate: &start, EndDate: &end, ClientID: clientID, MaxRecords: maxRecords}
}

// validate checks parameter combinations before any data is read.
func (q Query) validate() error {
	if q.MaxRecords < 0 {
		return fmt.Errorf("negative maximum number of records %d", q.MaxRecords)
	}
	switch q.Scope {
	case ScopeAll:
		if q.ClientID != "" {
			return errors.New("client id is not a filter of a global export")
		}
	case ScopeTransaction:
		if q.TransactionNumber == 0 {
			return errors.New("missing transaction number")
		}
	case ScopeTransactionInterval:
		if q.StartTransactionNumber == 0 || q.EndTransactionNumber == 0 {
			return errors.New("missing transaction number bound")
		}
		if q.StartTransactionNumber > q.EndTransactionNumber {
			return fmt.Errorf("transaction interval %d..%d is reversed", q.StartTransactionNumber, q.EndTransactionNumber)
		}
	case ScopePeriod:
		if q.StartDate == nil || q.EndDate == nil {
			return errors.New("start and end date are both required")
		}
		if q.EndDate.Before(*q.StartDate) {
			return errors.New("end date before start date")
		}
	default:
		return fmt.Errorf("unknown scope %d", int(q.Scope))
	}
	return nil
}
