package store

import (
	"context"
	"fmt"
)

// Lifecycle is the SE API lifecycle state.
type Lifecycle string

const (
	Uninitialized Lifecycle = "uninitialized"
	Initialized   Lifecycle = "initialized"
	Disabled      Lifecycle = "disabled"
)

// Device is the process-wide device record.
type Device struct {
	Lifecycle   Lifecycle
	Description string
}

// Device returns the stored device state.
func (s *Store) Device(ctx context.Context) (Device, error) {
	var d Device
	var lc string
	err := s.db.QueryRowContext(ctx, `SELECT lifecycle, description FROM device WHERE id = 1`).Scan(&lc, &d.Description)
	if err != nil {
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	d.Lifecycle = Lifecycle(lc)
	return d, nil
}
