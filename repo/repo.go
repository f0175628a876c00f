package repo

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	rootPathEnvVar = "GIVING_PATH"

	envPrefix = "GIVING"

	cfgFileName = "giving.toml"

	defaultRepoRoot = "~/.giving"

	LogsDirName = "logs"

	DefaultAdminAddr     = "0xff00000000000000000000000000000000001001"
	StrategyRegistryAddr = "0x0000000000000000000000000000000000002001"
	TreasuryAddr         = "0x0000000000000000000000000000000000002002"
	KeeperAddr           = "0x0000000000000000000000000000000000002003"
)

// Repo is a node's home directory: giving.toml plus the stores it points at.
type Repo struct {
	Config *Config
}

// StoragePath is where the ledger snapshot database lives.
func (r *Repo) StoragePath() string {
	return r.resolve(r.Config.Storage.Dir)
}

// JournalPath is the sqlite file of the event journal.
func (r *Repo) JournalPath() string {
	return r.resolve(r.Config.Journal.DSN)
}

func (r *Repo) ConfigPath() string {
	return filepath.Join(r.Config.RepoRoot, cfgFileName)
}

func (r *Repo) resolve(p string) string {
	if expanded, err := homedir.Expand(p); err == nil {
		p = expanded
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Config.RepoRoot, p)
}

// Exist reports whether anything, even an unreadable entry, sits at p.
func Exist(p string) bool {
	_, err := os.Lstat(p)
	return err == nil || !os.IsNotExist(err)
}

// Load opens the repo at root, falling back to GIVING_PATH and then ~/.giving.
// A missing giving.toml is created from the defaults. GIVING_* variables
// override file values in both cases.
func Load(root string) (*Repo, error) {
	root, err := LoadRepoRootFromEnv(root)
	if err != nil {
		return nil, err
	}
	if err := CheckWritable(root); err != nil {
		return nil, err
	}

	r := &Repo{Config: DefaultConfig(root)}
	if Exist(r.ConfigPath()) {
		raw, err := os.ReadFile(r.ConfigPath())
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := decodeConfig(raw, r.Config); err != nil {
			return nil, errors.Wrapf(err, "parse %s", r.ConfigPath())
		}
	} else if err := r.Flush(); err != nil {
		return nil, errors.Wrap(err, "init config")
	}

	if err := r.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return r, nil
}

// Flush writes the config back to giving.toml with the current GIVING_*
// overrides folded in, so the file matches what the node would run with.
func (r *Repo) Flush() error {
	raw, err := MarshalConfig(r.Config)
	if err != nil {
		return err
	}
	if err := decodeConfig([]byte(raw), r.Config); err != nil {
		return errors.Wrap(err, "apply env overrides")
	}
	if raw, err = MarshalConfig(r.Config); err != nil {
		return err
	}
	if err := os.WriteFile(r.ConfigPath(), []byte(raw), 0644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

func MarshalConfig(config any) (string, error) {
	var buf bytes.Buffer
	e := toml.NewEncoder(&buf)
	e.SetIndentTables(true)
	e.SetArraysMultiline(true)
	if err := e.Encode(config); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func LoadRepoRootFromEnv(root string) (string, error) {
	if root != "" {
		return root, nil
	}
	if root = os.Getenv(rootPathEnvVar); root != "" {
		return root, nil
	}
	return homedir.Expand(defaultRepoRoot)
}

// decodeConfig overlays toml raw and then the environment onto config.
// Keys map to variables as log.level -> GIVING_LOG_LEVEL.
func decodeConfig(raw []byte, config any) error {
	vp := viper.New()
	vp.SetConfigType("toml")
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	if err := vp.ReadConfig(bytes.NewReader(raw)); err != nil {
		return err
	}
	return vp.Unmarshal(config)
}

// CheckWritable creates dir if needed and makes sure files can be written in it.
func CheckWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create repo root %s", dir)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		if os.IsPermission(err) {
			return errors.Errorf("%s is not writable by the current user", dir)
		}
		return errors.Wrapf(err, "check repo root %s", dir)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
