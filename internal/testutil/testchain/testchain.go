// Package testchain assembles a store, software signer, certificate gate and
// sequencer over a temporary database for package tests.
package testchain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/seapi/internal/certgate"
	"github.com/roach88/seapi/internal/sequencer"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/testutil"
)

// Validity is the certificate lifetime of the chain's signer.
const Validity = 24 * time.Hour

// Chain is a fully wired log chain.
type Chain struct {
	Path      string
	Store     *store.Store
	Signer    *signer.Software
	Clock     *testutil.WallClock
	Gate      *certgate.Gate
	Sequencer *sequencer.Sequencer
}

// New creates a chain with installed certificates. The store is closed on cleanup.
func New(t testing.TB) *Chain {
	t.Helper()
	ctx := context.Background()
	c := &Chain{
		Path:  filepath.Join(t.TempDir(), "se.db"),
		Clock: testutil.NewWallClock(),
	}

	var err error
	if c.Signer, err = signer.NewSoftware(testutil.Epoch, Validity); err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if c.Store, err = store.Open(c.Path); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { c.Store.Close() })

	c.Gate = certgate.New(c.Signer, c.Store, c.Clock)
	certs, err := c.Gate.Issued(ctx)
	if err != nil {
		t.Fatalf("issued certificates: %v", err)
	}
	if err := c.Store.InstallCertificates(ctx, certs); err != nil {
		t.Fatalf("install certificates: %v", err)
	}
	if c.Sequencer, err = sequencer.Open(ctx, c.Store, c.Gate, c.Clock); err != nil {
		t.Fatalf("open sequencer: %v", err)
	}
	return c
}

// Reopen simulates a restart: the store is closed and reopened from disk
// and a new sequencer derives its position from the durable head.
func (c *Chain) Reopen(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	if err := c.Store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	var err error
	if c.Store, err = store.Open(c.Path); err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	c.Gate = certgate.New(c.Signer, c.Store, c.Clock)
	if c.Sequencer, err = sequencer.Open(ctx, c.Store, c.Gate, c.Clock); err != nil {
		t.Fatalf("reopen sequencer: %v", err)
	}
}
