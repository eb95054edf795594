package seapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/sequencer"
	"github.com/roach88/seapi/internal/store"
)

// Valid bounds of a device time update. UTCTime log times only encode
// years up to 2049.
var (
	minTime    = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTime    = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxUTCTime = time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC)
)

// validTime checks t against the range the log time format of v can encode.
func validTime(v clock.SyncVariant, t time.Time) error {
	upper := maxTime
	if v == clock.UTCTime {
		upper = maxUTCTime
	}
	if t.Before(minTime) || !t.Before(upper) {
		return fmt.Errorf("time %s outside %d-%d", t.UTC().Format(time.RFC3339), minTime.Year(), upper.Year()-1)
	}
	return nil
}

// Initialize initializes a device whose description was set by the manufacturer.
func (se *SE) Initialize(ctx context.Context, userID string) error {
	const op = "initialize"
	if !se.settings.DescriptionSetByManufacturer {
		return se.initialize(ctx, op, userID, "", seerr.DescriptionNotSetByManufacturer)
	}
	return se.initialize(ctx, op, userID, se.settings.Description, 0)
}

// InitializeWithDescription initializes the device with a caller-supplied description.
func (se *SE) InitializeWithDescription(ctx context.Context, userID, description string) error {
	const op = "initializeWithDescription"
	if se.settings.DescriptionSetByManufacturer {
		return se.initialize(ctx, op, userID, "", seerr.DescriptionSetByManufacturer)
	}
	return se.initialize(ctx, op, userID, description, 0)
}

// initialize reinstalls the signer's current certificates and commits the
// Initialize system log together with the lifecycle change. A non-zero
// reject code fails the call after the shared preconditions.
func (se *SE) initialize(ctx context.Context, op, userID, description string, reject seerr.Code) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.check(op, notDisabled); err != nil {
		return err
	}
	if se.lifecycle != store.Uninitialized {
		return seerr.Wrap(op, seerr.StoringInitDataFailed, errors.New("already initialized"))
	}
	if err := se.auth.Authorize(userID, auth.OpInitialize); err != nil {
		return seerr.Recode(op, seerr.CodeOf(err), err)
	}
	if reject != 0 {
		return seerr.New(op, reject)
	}
	if description == "" {
		return seerr.Wrap(op, seerr.ParameterMismatch, errors.New("empty description"))
	}

	certs, err := se.gate.Issued(ctx)
	if err != nil {
		return seerr.Recode(op, seerr.StoringInitDataFailed, err)
	}
	if err := se.store.InstallCertificates(ctx, certs); err != nil {
		return seerr.Wrap(op, seerr.StoringInitDataFailed, err)
	}

	err = se.commitSystem(ctx, "Initialize", map[string]any{
		"userId":      userID,
		"description": description,
	}, store.LifecycleChanged{From: store.Uninitialized, State: store.Initialized, Description: description})
	if !committed(err) {
		return seerr.Recode(op, seerr.StoringInitDataFailed, err)
	}

	se.lifecycle = store.Initialized
	se.exporter = se.newExporter(description)
	se.logger.Info("secure element initialized", "user_id", userID, "certificates", len(certs))
	return err
}

// UpdateTime sets the device time. Only for devices that receive time input.
// Time updates exclude every other operation, so no commit observes a time
// that is rolled back.
func (se *SE) UpdateTime(ctx context.Context, userID string, t time.Time) error {
	const op = "updateTime"
	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.authorizeTime(op, userID); err != nil {
		return err
	}
	if err := validTime(se.clock.SyncVariant(), t); err != nil {
		return seerr.Wrap(op, seerr.InvalidTime, err)
	}
	if se.clock.SyncVariant() == clock.NoInput {
		return seerr.Wrap(op, seerr.UpdateTimeFailed, errors.New("device keeps its own time"))
	}

	prev := se.clock.update(t)
	err := se.commitSystem(ctx, "UpdateTime", map[string]any{
		"userId": userID,
		"time":   t.UTC(),
	})
	if !committed(err) {
		se.clock.restore(prev)
		return seerr.Recode(op, seerr.UpdateTimeFailed, err)
	}
	se.logger.Info("time updated", "user_id", userID, "time", t.UTC())
	return err
}

// UpdateTimeWithTimeSync accepts the device's own clock. Only for the
// noInput sync variant.
func (se *SE) UpdateTimeWithTimeSync(ctx context.Context, userID string) error {
	const op = "updateTimeWithTimeSync"
	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.authorizeTime(op, userID); err != nil {
		return err
	}
	if v := se.clock.SyncVariant(); v != clock.NoInput {
		return seerr.Wrap(op, seerr.UpdateTimeFailed, errors.New("sync variant "+v.String()+" requires a time input"))
	}

	prev := se.clock.synced()
	err := se.commitSystem(ctx, "UpdateTime", map[string]any{
		"userId":   userID,
		"timeSync": true,
	})
	if !committed(err) {
		se.clock.restore(prev)
		return seerr.Recode(op, seerr.UpdateTimeFailed, err)
	}
	se.logger.Info("time synchronized", "user_id", userID)
	return err
}

// authorizeTime is the precondition chain of the time updates, which must
// succeed while the time is still unset.
func (se *SE) authorizeTime(op, userID string) error {
	if err := se.check(op, notDisabled, initialized); err != nil {
		return err
	}
	if err := se.auth.Authorize(userID, auth.OpUpdateTime); err != nil {
		return seerr.Recode(op, seerr.CodeOf(err), err)
	}
	return nil
}

// TimeSyncVariant returns how the device receives time.
func (se *SE) TimeSyncVariant() (clock.SyncVariant, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("getTimeSyncVariant", notDisabled, initialized); err != nil {
		return 0, err
	}
	return se.clock.SyncVariant(), nil
}

// DisableSecureElement commits the DisableSecureElement system log and
// moves the device to Disabled. Exports and ReadLogMessage stay available.
func (se *SE) DisableSecureElement(ctx context.Context, userID string) error {
	const op = "disableSecureElement"
	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.guarded(op, userID, auth.OpDisable); err != nil {
		return err
	}
	err := se.commitSystem(ctx, "DisableSecureElement", map[string]any{
		"userId": userID,
	}, store.LifecycleChanged{From: store.Initialized, State: store.Disabled})
	if !committed(err) {
		return seerr.Recode(op, seerr.DisableSecureElementFailed, err)
	}
	se.lifecycle = store.Disabled
	se.logger.Warn("secure element disabled", "user_id", userID)
	return err
}

// DeleteStoredData removes the exported log messages and restored files.
// Every stored message must have been exported first. Open transactions,
// the signature counter and the transaction counter are kept.
func (se *SE) DeleteStoredData(ctx context.Context, userID string) error {
	const op = "deleteStoredData"
	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.guarded(op, userID, auth.OpDeleteStoredData); err != nil {
		return err
	}
	pending, err := se.store.CountUnexported(ctx)
	if err != nil {
		return seerr.Wrap(op, seerr.DeleteStoredDataFailed, err)
	}
	if pending > 0 {
		return seerr.Wrap(op, seerr.UnexportedStoredData, store.ErrUnexported)
	}

	err = se.commitSystem(ctx, "DeleteStoredData", map[string]any{
		"userId": userID,
	}, store.StoredDataDeleted{})
	if errors.Is(err, store.ErrUnexported) {
		return seerr.Recode(op, seerr.UnexportedStoredData, err)
	}
	if !committed(err) {
		return seerr.Recode(op, seerr.DeleteStoredDataFailed, err)
	}
	se.logger.Info("stored data deleted", "user_id", userID)
	return err
}

func (se *SE) commitSystem(ctx context.Context, operation string, data map[string]any, effects ...store.Effect) error {
	opData, err := logmsg.Canonical(data)
	if err != nil {
		return seerr.Wrap(operation, seerr.SigningSystemOperationDataFailed, err)
	}
	_, err = se.seq.Commit(ctx, sequencer.Request{
		Payload: logmsg.SystemData{Operation: operation, OperationData: opData},
		Effects: effects,
	})
	return err
}
