// Package configmgr contains the on-disk configuration of the daemon and the
// manager that reads, validates, and persists it.
package configmgr

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/filtering"
	"github.com/google/renameio/v2/maybe"
	"gopkg.in/yaml.v3"
)

// Manager reads the configuration file and persists the changes.  It is safe
// for concurrent use.
type Manager struct {
	logger *slog.Logger

	// mu protects current.
	mu      *sync.RWMutex
	current *Config

	fileName string
}

// ManagerConfig is the configuration of a [Manager].
type ManagerConfig struct {
	// Logger is used to log the operation of the manager.  It must not be
	// nil.
	Logger *slog.Logger

	// FileName is the path of the configuration file.
	FileName string
}

// New returns a new manager of the configuration file from c.  If the file
// doesn't exist, the default configuration is written to it.  c must not be
// nil.
func New(ctx context.Context, c *ManagerConfig) (m *Manager, err error) {
	m = &Manager{
		logger:   c.Logger,
		mu:       &sync.RWMutex{},
		fileName: c.FileName,
	}

	conf, err := read(c.FileName)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.InfoContext(ctx, "config file not found, writing defaults", "path", c.FileName)
		m.current = Default()

		return m, m.write(ctx, m.current)
	} else if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	m.current = conf

	return m, nil
}

// Validate returns an error if the configuration file with the given name
// does not exist or is invalid.
func Validate(fileName string) (err error) {
	conf, err := read(fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	err = conf.Validate()
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	return nil
}

// read reads and decodes configuration from the provided filename.
func read(fileName string) (conf *Config, err error) {
	defer func() { err = errors.Annotate(err, "reading config: %w") }()

	f, err := os.Open(fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	conf = &Config{}
	err = yaml.NewDecoder(f).Decode(conf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return conf, nil
}

// write atomically writes conf to the configuration file.
func (m *Manager) write(ctx context.Context, conf *Config) (err error) {
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(m.fileName), aghos.DefaultPermDir)
	if err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	err = maybe.WriteFile(m.fileName, b, aghos.DefaultPermFile)
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	m.logger.InfoContext(ctx, "config file written", "path", m.fileName)

	return nil
}

// FileName returns the path of the configuration file.
func (m *Manager) FileName() (fileName string) {
	return m.fileName
}

// Current returns a copy of the current configuration.
func (m *Manager) Current() (c *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current.Clone()
}

// Update applies upd to a copy of the current configuration, validates and
// persists the result, and makes it current.  The current configuration is
// not changed if an error is returned.
func (m *Manager) Update(ctx context.Context, upd func(c *Config)) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conf := m.current.Clone()
	upd(conf)

	err = conf.Validate()
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	err = m.write(ctx, conf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	m.current = conf

	return nil
}

// Reload rereads the configuration file.  The current configuration is not
// changed if an error is returned.
func (m *Manager) Reload(ctx context.Context) (err error) {
	conf, err := read(m.fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	err = conf.Validate()
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = conf

	m.logger.InfoContext(ctx, "config reloaded", "path", m.fileName)

	return nil
}

// RulesDir returns the absolute path of the rules directory.
func (m *Manager) RulesDir() (dir string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.rulesDir(m.current)
}

// rulesDir returns the absolute path of the rules directory of conf.
func (m *Manager) rulesDir(conf *Config) (dir string) {
	dir = conf.Rules.Dir
	if filepath.IsAbs(dir) {
		return dir
	}

	return filepath.Join(filepath.Dir(m.fileName), dir)
}

// RuleLoadRequest returns the request to load the enabled rule files in their
// order.  The format of the first enabled file is the format of the request,
// and the files declaring another format are skipped.  req is nil if there
// are no enabled files.
func (m *Manager) RuleLoadRequest(ctx context.Context) (req *filtering.LoadRequest) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := m.rulesDir(m.current)
	for _, f := range m.current.Rules.Files {
		if !f.Enabled {
			continue
		}

		if req == nil {
			req = &filtering.LoadRequest{
				Format: f.Type,
			}
		} else if f.Type != req.Format {
			m.logger.WarnContext(
				ctx,
				"skipping rule file with mixed format",
				"file", f.FileName,
				"type", f.Type,
				"want", req.Format,
			)

			continue
		}

		req.Files = append(req.Files, filepath.Join(dir, f.FileName))
	}

	return req
}

// Registry returns a new server registry built from the current
// configuration.
func (m *Manager) Registry() (r *dnsserver.Registry, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dns := m.current.DNS

	return dnsserver.NewRegistry(dns.Servers, dns.Primary, dns.Secondary)
}
