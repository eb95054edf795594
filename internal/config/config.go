// Package config loads the seapi configuration file.
//
// A configuration is YAML or CUE. Either form is unified with the embedded
// CUE schema, which supplies the defaults and rejects invalid values before
// anything is opened.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/transaction"
)

//go:embed schema.cue
var schemaCUE string

// Config is the decoded configuration.
type Config struct {
	Database Database `json:"database" yaml:"database"`
	Keys     Keys     `json:"keys" yaml:"keys"`
	Device   Device   `json:"device" yaml:"device"`
	Users    []User   `json:"users" yaml:"users"`
	HTTP     HTTP     `json:"http" yaml:"http"`
	Log      Log      `json:"log" yaml:"log"`
}

type Database struct {
	Path   string `json:"path" yaml:"path"`
	Driver string `json:"driver" yaml:"driver"`
}

// Keys locates the software signer's key material.
type Keys struct {
	Dir      string `json:"dir" yaml:"dir"`
	Validity string `json:"validity" yaml:"validity"`
}

type Device struct {
	DescriptionSetByManufacturer bool   `json:"description_set_by_manufacturer" yaml:"description_set_by_manufacturer"`
	Description                  string `json:"description" yaml:"description"`
	MaxClients                   int    `json:"max_clients" yaml:"max_clients"`
	MaxTransactions              int    `json:"max_transactions" yaml:"max_transactions"`
	MaxPINRetries                int    `json:"max_pin_retries" yaml:"max_pin_retries"`
	UpdateVariant                string `json:"update_variant" yaml:"update_variant"`
	TimeSync                     string `json:"time_sync" yaml:"time_sync"`
}

// User is a provisioned user. PIN and PUK are hashed before storage.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Role string `json:"role" yaml:"role"`
	PIN  string `json:"pin" yaml:"pin"`
	PUK  string `json:"puk" yaml:"puk"`
}

type HTTP struct {
	Listen string `json:"listen" yaml:"listen"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the schema defaults.
func Default() (Config, error) {
	return decode(nil, "defaults")
}

// Load reads the file at path. Files ending in .cue are read as CUE,
// anything else as YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data; name selects the format like Load and appears in errors.
func Parse(name string, data []byte) (Config, error) {
	return decode(data, name)
}

func decode(data []byte, name string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	var input cue.Value
	switch {
	case len(data) == 0:
		input = ctx.CompileString("{}")
	case filepath.Ext(name) == ".cue":
		input = ctx.CompileBytes(data, cue.Filename(name))
	default:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("%s: parse yaml: %w", name, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		input = ctx.Encode(raw)
	}
	if err := input.Err(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}

	v := def.Unify(input)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%s: invalid config: %w", name, err)
	}
	var c Config
	if err := v.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%s: decode config: %w", name, err)
	}
	if _, err := time.ParseDuration(c.Keys.Validity); err != nil {
		return Config{}, fmt.Errorf("%s: keys.validity: %w", name, err)
	}
	if err := c.checkUsers(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

func (c Config) checkUsers() error {
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if seen[u.ID] {
			return fmt.Errorf("users: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}

// Settings converts the device section and the users into SE settings.
func (c Config) Settings() (seapi.Settings, error) {
	variant, err := transaction.ParseUpdateVariant(c.Device.UpdateVariant)
	if err != nil {
		return seapi.Settings{}, err
	}
	users := make([]auth.UserSpec, 0, len(c.Users))
	for _, u := range c.Users {
		role, err := auth.ParseRole(u.Role)
		if err != nil {
			return seapi.Settings{}, fmt.Errorf("user %q: %w", u.ID, err)
		}
		users = append(users, auth.UserSpec{ID: u.ID, Role: role, PIN: u.PIN, PUK: u.PUK})
	}
	return seapi.Settings{
		MaxClients:                   c.Device.MaxClients,
		MaxTransactions:              c.Device.MaxTransactions,
		MaxRetries:                   c.Device.MaxPINRetries,
		UpdateVariant:                variant,
		DescriptionSetByManufacturer: c.Device.DescriptionSetByManufacturer,
		Description:                  c.Device.Description,
		Users:                        users,
	}, nil
}

// Clock returns the host clock with the configured sync variant.
func (c Config) Clock() (clock.System, error) {
	v, err := clock.ParseSyncVariant(c.Device.TimeSync)
	if err != nil {
		return clock.System{}, err
	}
	return clock.System{Variant: v}, nil
}

// KeyValidity returns the certificate lifetime of newly generated keys.
func (c Config) KeyValidity() time.Duration {
	d, _ := time.ParseDuration(c.Keys.Validity)
	return d
}

// StoreOptions returns the store options for the configured driver.
func (c Config) StoreOptions() []store.Option {
	return []store.Option{store.WithDriver(c.Database.Driver)}
}

// Resolve loads path, or the defaults when path is empty.
func Resolve(path string) (Config, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}
