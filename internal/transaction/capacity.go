package transaction

import (
	"errors"
	"fmt"
)

// Capacity tracks open transactions per client against the configured
// maximums for transactions and clients.
//
// A client counts toward the client limit while it has at least one open
// transaction. Capacity is not safe for concurrent use; the Manager guards
// it with its own lock.
type Capacity struct {
	maxTransactions int
	maxClients      int
	perClient       map[string]int
	open            int
}

// NewCapacity creates a capacity tracker with the given limits.
// A limit of zero or less means unlimited.
func NewCapacity(maxTransactions, maxClients int) *Capacity {
	return &Capacity{
		maxTransactions: maxTransactions,
		maxClients:      maxClients,
		perClient:       make(map[string]int),
	}
}

// Check reports whether one more transaction for clientID fits.
func (c *Capacity) Check(clientID string) error {
	if c.maxTransactions > 0 && c.open >= c.maxTransactions {
		return &CapacityError{Resource: "transactions", Current: c.open, Limit: c.maxTransactions}
	}
	if _, known := c.perClient[clientID]; !known && c.maxClients > 0 && len(c.perClient) >= c.maxClients {
		return &CapacityError{Resource: "clients", Current: len(c.perClient), Limit: c.maxClients}
	}
	return nil
}

// Acquire records one more open transaction for clientID.
func (c *Capacity) Acquire(clientID string) {
	c.perClient[clientID]++
	c.open++
}

// Release records that a transaction of clientID was closed.
func (c *Capacity) Release(clientID string) {
	n, ok := c.perClient[clientID]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.perClient, clientID)
	} else {
		c.perClient[clientID] = n - 1
	}
	c.open--
}

// Transactions returns the number of open transactions.
func (c *Capacity) Transactions() int { return c.open }

// Clients returns the number of clients with open transactions.
func (c *Capacity) Clients() int { return len(c.perClient) }

// MaxTransactions returns the transaction limit.
func (c *Capacity) MaxTransactions() int { return c.maxTransactions }

// MaxClients returns the client limit.
func (c *Capacity) MaxClients() int { return c.maxClients }

// CapacityError is returned when a start would exceed a limit.
type CapacityError struct {
	Resource string
	Current  int
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("too many open %s: %d of %d", e.Resource, e.Current, e.Limit)
}

// IsCapacityError returns true if err is a CapacityError.
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}
