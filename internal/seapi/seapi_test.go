package seapi

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/export"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/testutil"
	"github.com/roach88/seapi/internal/transaction"
)

type device struct {
	se     *SE
	store  *store.Store
	signer *signer.Software
	clock  *testutil.WallClock
	s      Settings
}

func testSettings() Settings {
	return Settings{
		MaxClients:      4,
		MaxTransactions: 8,
		UpdateVariant:   transaction.SignedAndUnsignedUpdate,
		BcryptCost:      bcrypt.MinCost,
		Users: []auth.UserSpec{
			{ID: "admin", Role: auth.RoleAdmin, PIN: "12345", PUK: "123456"},
			{ID: "clock", Role: auth.RoleTimeAdmin, PIN: "11111", PUK: "222222"},
		},
	}
}

func newDevice(t *testing.T, s Settings) *device {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "se.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sgn, err := signer.NewSoftware(testutil.Epoch, 24*time.Hour)
	require.NoError(t, err)

	d := &device{store: st, signer: sgn, clock: testutil.NewWallClock(), s: s}
	d.se, err = New(context.Background(), st, sgn, d.clock, s, WithIDGenerator(testutil.NewFixedIDGenerator()))
	require.NoError(t, err)
	return d
}

// restart builds a fresh SE over the same store, as after a process restart.
func (d *device) restart(t *testing.T) {
	t.Helper()
	var err error
	d.se, err = New(context.Background(), d.store, d.signer, d.clock, d.s)
	require.NoError(t, err)
}

func (d *device) login(t *testing.T, userID, pin string) {
	t.Helper()
	_, err := d.se.AuthenticateUser(context.Background(), userID, pin)
	require.NoError(t, err)
}

// ready initializes the device and sets its time one hour past the epoch.
func (d *device) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	d.login(t, "admin", "12345")
	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	d.login(t, "clock", "11111")
	require.NoError(t, d.se.UpdateTime(ctx, "clock", testutil.Epoch.Add(time.Hour)))
}

func lastOperation(t *testing.T, se *SE) string {
	t.Helper()
	msg, err := se.LastLogMessage(context.Background())
	require.NoError(t, err)
	sys, ok := msg.Payload.(logmsg.SystemData)
	require.True(t, ok, "last message is %s", msg.Kind())
	return sys.Operation
}

func start(t *testing.T, se *SE, client string) transaction.Result {
	t.Helper()
	res, err := se.StartTransaction(context.Background(), transaction.StartRequest{
		ClientID:    client,
		ProcessType: "Kassenbeleg-V1",
		ProcessData: []byte("Beleg^1.00"),
	})
	require.NoError(t, err)
	return res
}

func TestNew_ProvisionsCertificatesOnce(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	certs, err := d.store.Certificates(ctx)
	require.NoError(t, err)
	require.Len(t, certs, len(signer.Purposes))

	d.restart(t)
	again, err := d.store.Certificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, certs, again)
}

func TestNew_Validation(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "se.db"))
	require.NoError(t, err)
	defer st.Close()
	sgn, err := signer.NewSoftware(testutil.Epoch, time.Hour)
	require.NoError(t, err)

	_, err = New(context.Background(), nil, sgn, clock.System{}, Settings{})
	assert.Error(t, err)

	_, err = New(context.Background(), st, sgn, clock.System{}, Settings{DescriptionSetByManufacturer: true})
	assert.Error(t, err, "manufacturer description must be present")
}

func TestInitializeWithDescription(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	assert.Equal(t, store.Uninitialized, d.se.Lifecycle())

	err := d.se.InitializeWithDescription(ctx, "admin", "till 1")
	assert.Equal(t, seerr.UserNotAuthenticated, seerr.CodeOf(err))

	d.login(t, "admin", "12345")

	err = d.se.Initialize(ctx, "admin")
	assert.Equal(t, seerr.DescriptionNotSetByManufacturer, seerr.CodeOf(err))

	err = d.se.InitializeWithDescription(ctx, "admin", "")
	assert.Equal(t, seerr.ParameterMismatch, seerr.CodeOf(err))

	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	assert.Equal(t, store.Initialized, d.se.Lifecycle())
	assert.Equal(t, "Initialize", lastOperation(t, d.se))

	dev, err := d.store.Device(ctx)
	require.NoError(t, err)
	assert.Equal(t, "till 1", dev.Description)

	certs, err := d.store.Certificates(ctx)
	require.NoError(t, err)
	assert.Len(t, certs, len(signer.Purposes))

	err = d.se.InitializeWithDescription(ctx, "admin", "till 2")
	assert.Equal(t, seerr.StoringInitDataFailed, seerr.CodeOf(err))
}

func TestInitialize_ManufacturerDescription(t *testing.T) {
	ctx := context.Background()
	s := testSettings()
	s.DescriptionSetByManufacturer = true
	s.Description = "factory till"
	d := newDevice(t, s)
	d.login(t, "admin", "12345")

	err := d.se.InitializeWithDescription(ctx, "admin", "mine")
	assert.Equal(t, seerr.DescriptionSetByManufacturer, seerr.CodeOf(err))

	require.NoError(t, d.se.Initialize(ctx, "admin"))
	dev, err := d.store.Device(ctx)
	require.NoError(t, err)
	assert.Equal(t, "factory till", dev.Description)
}

func TestInitialize_TimeAdminNotAuthorized(t *testing.T) {
	d := newDevice(t, testSettings())
	d.login(t, "clock", "11111")

	err := d.se.InitializeWithDescription(context.Background(), "clock", "till 1")
	assert.Equal(t, seerr.UserNotAuthorized, seerr.CodeOf(err))
	assert.Equal(t, store.Uninitialized, d.se.Lifecycle())
}

func TestPreconditionOrder(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())

	// Not initialized wins over authentication and time.
	_, err := d.se.StartTransaction(ctx, transaction.StartRequest{ClientID: "pos1"})
	assert.Equal(t, seerr.SEAPINotInitialized, seerr.CodeOf(err))
	err = d.se.UpdateTime(ctx, "clock", testutil.Epoch)
	assert.Equal(t, seerr.SEAPINotInitialized, seerr.CodeOf(err))
	err = d.se.DisableSecureElement(ctx, "admin")
	assert.Equal(t, seerr.SEAPINotInitialized, seerr.CodeOf(err))

	d.login(t, "admin", "12345")
	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	require.NoError(t, d.se.LogOut(ctx, "admin"))

	// Authentication wins over time.
	err = d.se.DisableSecureElement(ctx, "admin")
	assert.Equal(t, seerr.UserNotAuthenticated, seerr.CodeOf(err))

	d.login(t, "admin", "12345")
	err = d.se.DisableSecureElement(ctx, "admin")
	assert.Equal(t, seerr.TimeNotSet, seerr.CodeOf(err))
	err = d.se.DeleteStoredData(ctx, "admin")
	assert.Equal(t, seerr.TimeNotSet, seerr.CodeOf(err))

	// Time wins over parameters.
	_, err = d.se.StartTransaction(ctx, transaction.StartRequest{})
	assert.Equal(t, seerr.TimeNotSet, seerr.CodeOf(err))

	require.NoError(t, d.se.UpdateTime(ctx, "admin", testutil.Epoch))
	_, err = d.se.StartTransaction(ctx, transaction.StartRequest{})
	assert.Equal(t, seerr.StartTransactionFailed, seerr.CodeOf(err))
}

func TestUpdateTime(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.login(t, "admin", "12345")
	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))

	err := d.se.UpdateTime(ctx, "clock", testutil.Epoch)
	assert.Equal(t, seerr.UserNotAuthenticated, seerr.CodeOf(err))

	d.login(t, "clock", "11111")
	for _, bad := range []time.Time{
		time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		err := d.se.UpdateTime(ctx, "clock", bad)
		assert.Equal(t, seerr.InvalidTime, seerr.CodeOf(err), "time %v", bad)
	}
	assert.False(t, d.se.Clock().IsSet())

	want := testutil.Epoch.Add(90 * time.Minute)
	require.NoError(t, d.se.UpdateTime(ctx, "clock", want))
	assert.True(t, d.se.Clock().IsSet())
	assert.True(t, want.Equal(d.se.Clock().Now()))
	assert.Equal(t, "UpdateTime", lastOperation(t, d.se))

	msg, err := d.se.LastLogMessage(ctx)
	require.NoError(t, err)
	assert.True(t, want.Equal(msg.LogTime), "log time %v", msg.LogTime)

	d.clock.Advance(time.Minute)
	assert.True(t, want.Add(time.Minute).Equal(d.se.Clock().Now()))

	err = d.se.UpdateTimeWithTimeSync(ctx, "clock")
	assert.Equal(t, seerr.UpdateTimeFailed, seerr.CodeOf(err))

	err = d.se.DisableSecureElement(ctx, "clock")
	assert.Equal(t, seerr.UserNotAuthorized, seerr.CodeOf(err))
}

func TestUpdateTimeWithTimeSync(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.clock.SetVariant(clock.NoInput)
	d.login(t, "admin", "12345")
	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	d.login(t, "clock", "11111")

	err := d.se.UpdateTime(ctx, "clock", testutil.Epoch)
	assert.Equal(t, seerr.UpdateTimeFailed, seerr.CodeOf(err))
	assert.False(t, d.se.Clock().IsSet())

	require.NoError(t, d.se.UpdateTimeWithTimeSync(ctx, "clock"))
	assert.True(t, d.se.Clock().IsSet())
	assert.True(t, testutil.Epoch.Equal(d.se.Clock().Now()))
	assert.Equal(t, clock.NoInput, value(t, d.se.TimeSyncVariant))
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)

	res := start(t, d.se, "pos1")
	assert.Equal(t, uint64(1), res.TransactionNumber)
	assert.Equal(t, 1, value(t, d.se.CurrentNumberOfTransactions))
	assert.Equal(t, 1, value(t, d.se.CurrentNumberOfClients))
	assert.Equal(t, []uint64{1}, d.se.OpenTransactions("pos1"))

	_, err := d.se.UpdateTransaction(ctx, transaction.UpdateRequest{
		ClientID: "pos1", TransactionNumber: 1, ProcessType: "Kassenbeleg-V1", Unsigned: true,
	})
	require.NoError(t, err)

	fin, err := d.se.FinishTransaction(ctx, transaction.FinishRequest{
		ClientID: "pos1", TransactionNumber: 1, ProcessType: "Kassenbeleg-V1", ProcessData: []byte("Beleg^1.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, value(t, d.se.CurrentNumberOfTransactions))

	der, err := d.se.ReadLogMessage(ctx)
	require.NoError(t, err)
	msg, err := logmsg.Unmarshal(der)
	require.NoError(t, err)
	assert.Equal(t, fin.SignatureCounter, msg.SignatureCounter)
	td, ok := msg.Payload.(logmsg.TransactionData)
	require.True(t, ok)
	assert.Equal(t, logmsg.OpFinish, td.Operation)

	assert.Equal(t, 4, value(t, d.se.MaxNumberOfClients))
	assert.Equal(t, 8, value(t, d.se.MaxNumberOfTransactions))
	assert.Equal(t, transaction.SignedAndUnsignedUpdate, value(t, d.se.SupportedTransactionUpdateVariants))
	assert.Equal(t, fin.SignatureCounter, d.se.SignatureCounter())
}

func TestDisableSecureElement(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)
	start(t, d.se, "pos1")

	require.NoError(t, d.se.DisableSecureElement(ctx, "admin"))
	assert.Equal(t, store.Disabled, d.se.Lifecycle())
	assert.Equal(t, "DisableSecureElement", lastOperation(t, d.se))
	counter := d.se.SignatureCounter()

	_, err := d.se.StartTransaction(ctx, transaction.StartRequest{ClientID: "pos1", ProcessType: "x"})
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	_, err = d.se.FinishTransaction(ctx, transaction.FinishRequest{ClientID: "pos1", TransactionNumber: 1})
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	_, err = d.se.AuthenticateUser(ctx, "admin", "12345")
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	err = d.se.UpdateTime(ctx, "admin", testutil.Epoch)
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	err = d.se.DisableSecureElement(ctx, "admin")
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	err = d.se.DeleteStoredData(ctx, "admin")
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	_, err = d.se.RestoreFromBackup(ctx, "admin", nil)
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	_, err = d.se.CurrentNumberOfTransactions()
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	_, err = d.se.TimeSyncVariant()
	assert.Equal(t, seerr.SecureElementDisabled, seerr.CodeOf(err))
	assert.Equal(t, counter, d.se.SignatureCounter(), "nothing commits after disable")

	archive, err := d.se.ExportData(ctx, export.All(0))
	require.NoError(t, err)
	assert.Equal(t, int(counter), archive.Records)
	_, err = d.se.ReadLogMessage(ctx)
	assert.NoError(t, err)
	_, err = d.se.ExportCertificates(ctx)
	assert.NoError(t, err)
	_, err = d.se.ExportSerialNumbers(ctx)
	assert.NoError(t, err)

	d.restart(t)
	assert.Equal(t, store.Disabled, d.se.Lifecycle())
}

func TestDeleteStoredData(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)
	open := start(t, d.se, "pos1")
	before := d.se.SignatureCounter()

	err := d.se.DeleteStoredData(ctx, "admin")
	assert.Equal(t, seerr.UnexportedStoredData, seerr.CodeOf(err))
	assert.Equal(t, before, d.se.SignatureCounter(), "rejected delete commits nothing")

	_, err = d.se.ExportData(ctx, export.All(0))
	require.NoError(t, err)
	require.NoError(t, d.se.DeleteStoredData(ctx, "admin"))
	assert.Equal(t, "DeleteStoredData", lastOperation(t, d.se))

	// The delete message itself is not exported yet.
	err = d.se.DeleteStoredData(ctx, "admin")
	assert.Equal(t, seerr.UnexportedStoredData, seerr.CodeOf(err))

	archive, err := d.se.ExportData(ctx, export.All(0))
	require.NoError(t, err)
	assert.Equal(t, 1, archive.Records)

	// Open transactions and counters survive.
	assert.Equal(t, []uint64{open.TransactionNumber}, d.se.OpenTransactions(""))
	res, err := d.se.UpdateTransaction(ctx, transaction.UpdateRequest{
		ClientID: "pos1", TransactionNumber: open.TransactionNumber, ProcessType: "Kassenbeleg-V1",
	})
	require.NoError(t, err)
	assert.Equal(t, before+2, res.SignatureCounter)
	assert.Equal(t, uint64(2), start(t, d.se, "pos1").TransactionNumber)
}

func TestRestart_ClearsTimeAndSessions(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)
	open := start(t, d.se, "pos1")
	counter := d.se.SignatureCounter()

	d.restart(t)
	assert.Equal(t, store.Initialized, d.se.Lifecycle())
	assert.False(t, d.se.Clock().IsSet())
	assert.Equal(t, counter, d.se.SignatureCounter())
	assert.Equal(t, []uint64{open.TransactionNumber}, d.se.OpenTransactions("pos1"))

	_, err := d.se.StartTransaction(ctx, transaction.StartRequest{ClientID: "pos1", ProcessType: "x"})
	assert.Equal(t, seerr.TimeNotSet, seerr.CodeOf(err))
	err = d.se.UpdateTime(ctx, "clock", testutil.Epoch)
	assert.Equal(t, seerr.UserNotAuthenticated, seerr.CodeOf(err))
}

func TestRestoreFromBackup(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)
	start(t, d.se, "pos1")

	archive, err := d.se.ExportData(ctx, export.All(0))
	require.NoError(t, err)

	other := newDevice(t, testSettings())
	other.login(t, "admin", "12345")
	_, err = other.se.RestoreFromBackup(ctx, "admin", archive.Data)
	assert.Equal(t, seerr.SEAPINotInitialized, seerr.CodeOf(err))
	require.NoError(t, other.se.InitializeWithDescription(ctx, "admin", "till 2"))
	require.NoError(t, other.se.LogOut(ctx, "admin"))

	_, err = other.se.RestoreFromBackup(ctx, "admin", archive.Data)
	assert.Equal(t, seerr.UserNotAuthenticated, seerr.CodeOf(err))

	other.login(t, "clock", "11111")
	_, err = other.se.RestoreFromBackup(ctx, "clock", archive.Data)
	assert.Equal(t, seerr.UserNotAuthorized, seerr.CodeOf(err))

	other.login(t, "admin", "12345")
	_, err = other.se.RestoreFromBackup(ctx, "admin", []byte("not a tar"))
	assert.Equal(t, seerr.RestoreFailed, seerr.CodeOf(err))

	res, err := other.se.RestoreFromBackup(ctx, "admin", archive.Data)
	require.NoError(t, err)
	assert.Len(t, res.Files, archive.Records)
	assert.Equal(t, archive.Certificates, res.CertificatesAdded)
}

func TestExportCertificatesAndSerials(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.ready(t)

	tarData, err := d.se.ExportCertificates(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tarData)

	der, err := d.se.ExportSerialNumbers(ctx)
	require.NoError(t, err)
	records, err := export.DecodeSerialNumbers(der)
	require.NoError(t, err)
	assert.Len(t, records, len(signer.Purposes))
}

func TestAuthentication(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())

	out, err := d.se.AuthenticateUser(ctx, "admin", "99999")
	assert.Equal(t, seerr.AuthenticationFailed, seerr.CodeOf(err))
	assert.Equal(t, auth.ResultFailed, out.Result)
	assert.Equal(t, 2, out.RemainingRetries)

	res, err := d.se.UnblockUser(ctx, "admin", "123456", "54321")
	require.NoError(t, err)
	assert.Equal(t, auth.UnblockOK, res)

	d.login(t, "admin", "54321")
	assert.NoError(t, d.se.LogOut(ctx, "admin"))
	assert.Equal(t, 3, d.se.Status().MaxPINRetries)
}

func TestStatus(t *testing.T) {
	d := newDevice(t, testSettings())
	d.ready(t)
	start(t, d.se, "pos1")

	st := d.se.Status()
	assert.Equal(t, store.Initialized, st.Lifecycle)
	assert.True(t, st.TimeSet)
	assert.Equal(t, clock.UnixTime, st.SyncVariant)
	assert.Equal(t, 1, st.OpenTransactions)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, uint64(5), st.SignatureCounter)
}

func TestUninitialized_RejectsReads(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	// Authentication logs a message before initialization.
	d.login(t, "admin", "12345")

	calls := map[string]func() error{
		"exportData": func() error {
			_, err := d.se.ExportData(ctx, export.All(0))
			return err
		},
		"exportCertificates": func() error {
			_, err := d.se.ExportCertificates(ctx)
			return err
		},
		"exportSerialNumbers": func() error {
			_, err := d.se.ExportSerialNumbers(ctx)
			return err
		},
		"restoreFromBackup": func() error {
			_, err := d.se.RestoreFromBackup(ctx, "admin", nil)
			return err
		},
		"readLogMessage": func() error {
			_, err := d.se.ReadLogMessage(ctx)
			return err
		},
		"lastLogMessage": func() error {
			_, err := d.se.LastLogMessage(ctx)
			return err
		},
		"getMaxNumberOfClients": func() error {
			_, err := d.se.MaxNumberOfClients()
			return err
		},
		"getCurrentNumberOfClients": func() error {
			_, err := d.se.CurrentNumberOfClients()
			return err
		},
		"getMaxNumberOfTransactions": func() error {
			_, err := d.se.MaxNumberOfTransactions()
			return err
		},
		"getCurrentNumberOfTransactions": func() error {
			_, err := d.se.CurrentNumberOfTransactions()
			return err
		},
		"getSupportedTransactionUpdateVariants": func() error {
			_, err := d.se.SupportedTransactionUpdateVariants()
			return err
		},
		"getTimeSyncVariant": func() error {
			_, err := d.se.TimeSyncVariant()
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, seerr.SEAPINotInitialized, seerr.CodeOf(call()))
		})
	}

	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	archive, err := d.se.ExportData(ctx, export.All(0))
	require.NoError(t, err)
	assert.Equal(t, 2, archive.Records, "the pre-initialization login is exported")
}

func TestUpdateTime_UTCTimeRange(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testSettings())
	d.clock.SetVariant(clock.UTCTime)
	d.login(t, "admin", "12345")
	require.NoError(t, d.se.InitializeWithDescription(ctx, "admin", "till 1"))
	before := d.se.SignatureCounter()

	for _, bad := range []time.Time{
		time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	} {
		err := d.se.UpdateTime(ctx, "admin", bad)
		assert.Equal(t, seerr.InvalidTime, seerr.CodeOf(err), "time %v", bad)
	}
	assert.False(t, d.se.Clock().IsSet())
	assert.Equal(t, before, d.se.SignatureCounter())

	require.NoError(t, d.se.UpdateTime(ctx, "admin", time.Date(2049, 12, 31, 23, 0, 0, 0, time.UTC)))
	start(t, d.se, "pos1")
}

// stallingSigner holds the next system-key signature until released and
// then fails it.
type stallingSigner struct {
	signer.Signer
	armed    atomic.Bool
	entered  chan struct{}
	released chan struct{}
}

func (s *stallingSigner) Sign(ctx context.Context, purpose signer.KeyPurpose, payload []byte) ([]byte, error) {
	if purpose == signer.PurposeSystem && s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.released
		return nil, errors.New("signing unit unplugged")
	}
	return s.Signer.Sign(ctx, purpose, payload)
}

func TestUpdateTime_FailedCommitIsNotObserved(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "se.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	soft, err := signer.NewSoftware(testutil.Epoch, 24*time.Hour)
	require.NoError(t, err)
	sgn := &stallingSigner{Signer: soft, entered: make(chan struct{}), released: make(chan struct{})}

	se, err := New(ctx, st, sgn, testutil.NewWallClock(), testSettings())
	require.NoError(t, err)
	_, err = se.AuthenticateUser(ctx, "admin", "12345")
	require.NoError(t, err)
	require.NoError(t, se.InitializeWithDescription(ctx, "admin", "till 1"))
	before := se.SignatureCounter()

	sgn.armed.Store(true)
	updated := make(chan error, 1)
	go func() { updated <- se.UpdateTime(ctx, "admin", testutil.Epoch) }()
	<-sgn.entered

	started := make(chan error, 1)
	go func() {
		_, err := se.StartTransaction(ctx, transaction.StartRequest{ClientID: "pos1", ProcessType: "Kassenbeleg-V1"})
		started <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(sgn.released)

	assert.Equal(t, seerr.UpdateTimeFailed, seerr.CodeOf(<-updated))
	assert.Equal(t, seerr.TimeNotSet, seerr.CodeOf(<-started))
	assert.False(t, se.Clock().IsSet())
	assert.Equal(t, before, se.SignatureCounter(), "nothing commits on a rolled back time")
}

// value calls get and checks its error.
func value[T any](t *testing.T, get func() (T, error)) T {
	t.Helper()
	v, err := get()
	require.NoError(t, err)
	return v
}
