package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seapi/internal/seerr"
)

// device is a configuration file with its own store and keys.
type device struct {
	dir    string
	config string
}

func newDevice(t *testing.T) *device {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
database:
  path: %s
keys:
  dir: %s
device:
  max_clients: 2
  max_transactions: 4
users:
  - {id: admin, role: admin, pin: "12345", puk: "123456"}
  - {id: clock, role: timeadmin, pin: "11111", puk: "222222"}
log:
  level: error
`, filepath.Join(dir, "se.db"), filepath.Join(dir, "keys"))
	path := filepath.Join(dir, "seapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &device{dir: dir, config: path}
}

func (d *device) path(name string) string {
	return filepath.Join(d.dir, name)
}

// run executes one seapi invocation with JSON output and decodes the response.
func (d *device) run(t *testing.T, args ...string) (CLIResponse, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", d.config, "--format", "json"}, args...))
	err := cmd.Execute()

	var resp CLIResponse
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "output: %s", out.String())
	}
	return resp, err
}

// ok runs args and requires success.
func (d *device) ok(t *testing.T, args ...string) map[string]any {
	t.Helper()
	resp, err := d.run(t, args...)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
	data, _ := resp.Data.(map[string]any)
	return data
}

// fails runs args and requires the SE to reject them with code.
func (d *device) fails(t *testing.T, code seerr.Code, args ...string) CLIResponse {
	t.Helper()
	resp, err := d.run(t, args...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.Equal(t, "error", resp.Status)
	assert.Equal(t, code.String(), resp.Error.Code)
	return resp
}

var (
	admin = []string{"--user", "admin", "--pin", "12345"}
	clk   = []string{"--user", "clock", "--pin", "11111"}
)

func with(args []string, creds []string) []string {
	return append(append([]string{}, args...), creds...)
}

func (d *device) initialize(t *testing.T) {
	t.Helper()
	d.ok(t, with([]string{"init", "--description", "Kasse 7"}, admin)...)
}

func TestStatus_FreshDevice(t *testing.T) {
	d := newDevice(t)
	data := d.ok(t, "status")
	assert.Equal(t, "uninitialized", data["lifecycle"])
	assert.Equal(t, 4.0, data["max_transactions"])
	assert.Equal(t, 2.0, data["max_clients"])
	assert.Equal(t, "unixTime", data["time_sync_variant"])
}

func TestInit(t *testing.T) {
	d := newDevice(t)

	d.fails(t, seerr.AuthenticationFailed, "init", "--user", "admin", "--pin", "99999", "--description", "x")
	d.fails(t, seerr.UserNotAuthorized, with([]string{"init", "--description", "x"}, clk)...)

	d.initialize(t)
	assert.Equal(t, "initialized", d.ok(t, "status")["lifecycle"])

	d.fails(t, seerr.StoringInitDataFailed, with([]string{"init", "--description", "again"}, admin)...)
}

func TestMissingCredentials(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "init", "--description", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = d.run(t, "tx", "start", "--client", "pos-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTransactions(t *testing.T) {
	d := newDevice(t)
	d.fails(t, seerr.SEAPINotInitialized, with([]string{"tx", "start", "--client", "pos-1"}, clk)...)
	d.initialize(t)

	started := d.ok(t, with([]string{"tx", "start", "--client", "pos-1", "--type", "Kassenbeleg-V1", "--data", "Beleg^1"}, clk)...)
	assert.Equal(t, 1.0, started["transaction_number"])
	assert.NotEmpty(t, started["serial_number"])
	assert.NotEmpty(t, started["signature"])

	receipt := d.path("receipt.txt")
	require.NoError(t, os.WriteFile(receipt, []byte("Beleg^2"), 0o600))
	updated := d.ok(t, with([]string{"tx", "update", "1", "--client", "pos-1", "--type", "Kassenbeleg-V1", "--data-file", receipt}, clk)...)
	assert.Greater(t, updated["signature_counter"], started["signature_counter"])

	assert.Equal(t, []any{1.0}, d.ok(t, "tx", "list", "--client", "pos-1")["open_transactions"])
	assert.Equal(t, []any{}, d.ok(t, "tx", "list", "--client", "pos-2")["open_transactions"])

	d.fails(t, seerr.NoTransaction, with([]string{"tx", "finish", "7", "--client", "pos-1"}, clk)...)
	d.ok(t, with([]string{"tx", "finish", "1", "--client", "pos-1", "--type", "Kassenbeleg-V1"}, clk)...)
	assert.Equal(t, []any{}, d.ok(t, "tx", "list")["open_transactions"])

	last := d.ok(t, "log", "last")
	assert.Equal(t, "transaction", last["kind"])
	assert.Contains(t, last["filename"], "Finish")
}

func TestTxArguments(t *testing.T) {
	d := newDevice(t)
	for _, args := range [][]string{
		{"tx", "update", "zero", "--client", "pos-1"},
		{"tx", "update", "0", "--client", "pos-1"},
		{"tx", "start", "--client", "pos-1", "--additional", "%%%"},
		{"tx", "start", "--client", "pos-1", "--data", "a", "--data-file", "b"},
	} {
		_, err := d.run(t, with(args, clk)...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), "%v", args)
	}
}

func TestTime(t *testing.T) {
	d := newDevice(t)
	d.initialize(t)

	data := d.ok(t, with([]string{"time", "--at", "2026-10-14T08:00:00Z"}, clk)...)
	set, err := time.Parse(time.RFC3339Nano, data["time"].(string))
	require.NoError(t, err)
	want := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	assert.WithinDuration(t, want, set, time.Minute)

	d.fails(t, seerr.InvalidTime, with([]string{"time", "--at", "0001-01-01T00:00:00Z"}, clk)...)

	_, err = d.run(t, with([]string{"time", "--at", "yesterday"}, clk)...)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	d.ok(t, with([]string{"time"}, clk)...)
}

func TestExportAndRestore(t *testing.T) {
	d := newDevice(t)
	d.initialize(t)
	d.ok(t, with([]string{"tx", "start", "--client", "pos-1", "--type", "Kassenbeleg-V1"}, clk)...)

	archive := d.path("all.tar")
	data := d.ok(t, "export", "data", "-o", archive)
	assert.Equal(t, archive, data["file"])
	assert.NotEmpty(t, data["archive_id"])
	assert.Greater(t, data["records"], 0.0)
	info, err := os.Stat(archive)
	require.NoError(t, err)
	assert.Equal(t, int64(data["bytes"].(float64)), info.Size())

	d.fails(t, seerr.NoDataAvailable, "export", "data", "--scope", "transaction", "--transaction", "9", "-o", d.path("none.tar"))
	d.ok(t, "export", "data", "--scope", "transactionInterval", "--start", "1", "--end", "1", "--client", "pos-1", "-o", d.path("interval.tar"))
	d.ok(t, "export", "data", "--scope", "periodOfTime",
		"--start-date", "2000-01-01T00:00:00Z", "--end-date", time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"-o", d.path("period.tar"))

	_, err = d.run(t, "export", "data", "--scope", "weekly", "-o", d.path("x.tar"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = d.run(t, "export", "data")
	assert.Error(t, err, "--output is required")

	d.ok(t, "export", "certificates", "-o", d.path("certs.tar"))
	serials := d.ok(t, "export", "serial-numbers", "-o", d.path("serials.der"))
	assert.Greater(t, serials["bytes"], 0.0)

	restored := d.ok(t, with([]string{"restore", archive}, admin)...)
	assert.NotEmpty(t, restored["files"])
	d.fails(t, seerr.UserNotAuthorized, with([]string{"restore", archive}, clk)...)
}

func TestExportToStdout(t *testing.T) {
	d := newDevice(t)
	d.initialize(t)

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", d.config, "export", "serial-numbers", "-o", "-"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, byte(0x30), out.Bytes()[0], "DER SEQUENCE")
}

func TestLogLast_DER(t *testing.T) {
	d := newDevice(t)
	d.fails(t, seerr.SEAPINotInitialized, "log", "last")
	d.fails(t, seerr.SEAPINotInitialized, "export", "data", "-o", d.path("early.tar"))
	d.initialize(t)

	der := d.path("last.log")
	d.ok(t, "log", "last", "-o", der)
	b, err := os.ReadFile(der)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), b[0])
	assert.Equal(t, "system", d.ok(t, "log", "last")["kind"])
}

func TestAuth(t *testing.T) {
	d := newDevice(t)

	data := d.ok(t, with([]string{"auth", "login"}, admin)...)
	assert.Equal(t, "ok", data["result"])

	resp := d.fails(t, seerr.AuthenticationFailed, "auth", "login", "--user", "admin", "--pin", "00000")
	details, _ := resp.Error.Details.(map[string]any)
	assert.Equal(t, "failed", details["result"])
	assert.Equal(t, 2.0, details["remaining_retries"])

	d.fails(t, seerr.AuthenticationFailed, "auth", "login", "--user", "admin", "--pin", "00000")
	resp = d.fails(t, seerr.AuthenticationFailed, "auth", "login", "--user", "admin", "--pin", "00000")
	details, _ = resp.Error.Details.(map[string]any)
	assert.Equal(t, 0.0, details["remaining_retries"])

	// Blocked: even the right PIN is refused.
	resp = d.fails(t, seerr.AuthenticationFailed, with([]string{"auth", "login"}, admin)...)
	details, _ = resp.Error.Details.(map[string]any)
	assert.Equal(t, "pinIsBlocked", details["result"])

	d.fails(t, seerr.UnblockFailed, "auth", "unblock", "--user", "admin", "--puk", "000000", "--new-pin", "54321")
	assert.Equal(t, "ok", d.ok(t, "auth", "unblock", "--user", "admin", "--puk", "123456", "--new-pin", "54321")["result"])
	d.ok(t, "auth", "login", "--user", "admin", "--pin", "54321")
}

func TestDeleteStoredData(t *testing.T) {
	d := newDevice(t)
	d.initialize(t)
	d.ok(t, with([]string{"tx", "start", "--client", "pos-1", "--type", "Kassenbeleg-V1"}, clk)...)

	backup := d.path("backup.tar")
	data := d.ok(t, with([]string{"delete-stored-data", "--backup", backup}, admin)...)
	assert.Greater(t, data["records"], 0.0)
	_, err := os.Stat(backup)
	require.NoError(t, err)

	last := d.ok(t, "log", "last")
	assert.Contains(t, last["filename"], "DeleteStoredData")

	assert.Equal(t, []any{1.0}, d.ok(t, "tx", "list")["open_transactions"], "open transactions survive")
}

func TestDisable(t *testing.T) {
	d := newDevice(t)
	d.initialize(t)

	d.fails(t, seerr.UserNotAuthorized, with([]string{"disable"}, clk)...)
	assert.Equal(t, "disabled", d.ok(t, with([]string{"disable"}, admin)...)["lifecycle"])

	d.fails(t, seerr.SecureElementDisabled, with([]string{"tx", "start", "--client", "pos-1"}, clk)...)
	d.ok(t, "export", "data", "-o", d.path("final.tar"))
	assert.Equal(t, "disabled", d.ok(t, "status")["lifecycle"])
}

func TestTextOutput(t *testing.T) {
	d := newDevice(t)
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", d.config, "status"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "lifecycle:         uninitialized")
	assert.Contains(t, out.String(), "transactions:      0/4")
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_StopsOnCancel(t *testing.T) {
	d := newDevice(t)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Config: d.config},
		Listen:      "127.0.0.1:0",
		Registry:    prometheus.NewRegistry(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})

	errc := make(chan error, 1)
	go func() { errc <- runServe(cmd, opts) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Serving on 127.0.0.1:0")
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_RejectsBadCredentials(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "serve", "--listen", "127.0.0.1:0", "--user", "clock", "--pin", "00000")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
