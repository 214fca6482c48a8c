// Package dedrm ties the configuration, the credential pool and the
// decryption core together for the command line and the watch service.
package dedrm

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/dedrm/conf"
	"github.com/sjzar/dedrm/internal/drm"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/internal/kindle"
	"github.com/sjzar/dedrm/pkg/filemonitor"
	"github.com/sjzar/dedrm/pkg/util"
)

// Manager runs decryption jobs with the configured credentials.
type Manager struct {
	conf *conf.Config
	pool *credential.Pool
	// format forces the engine for every input when set
	format drm.Format

	// serializes jobs; engines draw from the shared pool
	jobMu sync.Mutex

	monitor *filemonitor.FileMonitor
	settle  time.Duration
	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	jobs    sync.WaitGroup
}

func New(c *conf.Config) *Manager {
	if c == nil {
		c = &conf.Config{}
	}
	return &Manager{
		conf:    c,
		pool:    credential.NewPool(),
		settle:  2 * time.Second,
		pending: make(map[string]*time.Timer),
	}
}

func (m *Manager) Config() *conf.Config {
	return m.conf
}

// SetFormat skips detection and decodes every input as f.
func (m *Manager) SetFormat(f drm.Format) {
	m.format = f
}

// Credentials is the pool every job draws from.
func (m *Manager) Credentials() *credential.Pool {
	return m.pool
}

// LoadCredentials fills the pool from the key files, the key directory, the
// sealed key store, and the configured PIDs and serials. Every source is
// tried; the failures are returned together.
func (m *Manager) LoadCredentials() error {
	var errs []error
	add := func(creds []credential.Credential) {
		for _, c := range creds {
			m.pool.Add(c)
		}
	}

	for _, f := range m.conf.KeyFiles {
		creds, err := credential.LoadFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		add(creds)
	}
	if m.conf.KeyDir != "" {
		creds, err := credential.LoadDir(m.conf.KeyDir)
		if err != nil {
			errs = append(errs, err)
		}
		add(creds)
	}
	if m.conf.KeyStore != "" {
		if err := m.loadKeyStore(m.conf.KeyStore); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pid := range m.conf.PIDs {
		c, err := credential.MobiPID(pid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.pool.Add(c)
	}
	for _, serial := range m.conf.Serials {
		c, err := credential.KindleSerial(serial)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.pool.Add(c)
	}

	log.Info().Int("credentials", m.pool.Len()).Msg("credentials loaded")
	return errors.JoinErrors(errs...)
}

func (m *Manager) loadKeyStore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.ReadFileFailed(path, err)
	}
	if m.conf.KeyStorePassphrase == "" {
		return errors.ConfigInvalid("key_store_passphrase", errors.InvalidArg("empty passphrase"))
	}
	p, err := credential.Unseal(data, m.conf.KeyStorePassphrase)
	if err != nil {
		return err
	}
	m.pool.Merge(p)
	return nil
}

// hint builds the engine options, and the forced format when the input's
// extension has an override.
func (m *Manager) hint(in string) *drm.Hint {
	h := &drm.Hint{
		Options: common.Options{
			PMLMode:        m.conf.PMLMode,
			KeepCompressed: m.conf.KeepCompressed,
			BookName:       util.FileStem(in),
		},
	}
	if m.format != drm.FormatUnknown {
		h.Format = m.format
		return h
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(in), "."))
	if name, ok := m.conf.FormatOverrides[ext]; ok {
		if f, err := common.ParseFormat(name); err == nil {
			h.Format = f
		}
	}
	return h
}

// CommandDetect reports the format and DRM variant of a file.
func (m *Manager) CommandDetect(in string) (drm.Format, drm.Variant, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return drm.FormatUnknown, common.VariantUnknown, errors.ReadFileFailed(in, err)
	}
	if h := m.hint(in); h.Format != drm.FormatUnknown {
		return drm.DetectAs(h.Format, data)
	}
	return drm.Detect(data)
}

// CommandDecrypt decrypts in and writes the result to out. An empty out
// means <stem>_nodrm.<ext> in the output directory, or next to in. extra
// credentials are tried before the pool's. The written path is returned;
// DrmFree inputs are copied and reported with their error.
func (m *Manager) CommandDecrypt(ctx context.Context, in, out string, extra ...credential.Credential) (string, *drm.Result, error) {
	return m.decrypt(ctx, in, out, m.conf.OutputDir, extra...)
}

func (m *Manager) decrypt(ctx context.Context, in, out, dir string, extra ...credential.Credential) (string, *drm.Result, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return "", nil, errors.ReadFileFailed(in, err)
	}

	creds := m.pool
	if len(extra) > 0 {
		creds = credential.NewPool(extra...)
		creds.Merge(m.pool)
	}

	m.jobMu.Lock()
	res, err := drm.Decrypt(ctx, data, creds, m.hint(in))
	m.jobMu.Unlock()
	if res == nil {
		return "", nil, err
	}

	if out == "" {
		if dir == "" {
			dir = filepath.Dir(in)
		}
		out = OutputPath(in, dir, res.Extension)
	}
	if werr := writeResult(out, res); werr != nil {
		return "", nil, werr
	}
	log.Info().Str("input", in).Str("output", out).Str("format", res.Format.String()).Str("variant", string(res.Variant)).Str("size", util.ByteCountSI(int64(len(res.Data)))).Bool("drm_free", errors.IsDrmFree(err)).Msg("book written")
	return out, res, err
}

// OutputPath names the decrypted copy of in: <dir>/<stem>_nodrm.<ext>. An
// empty ext keeps the input's extension.
func OutputPath(in, dir, ext string) string {
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(in), ".")
	}
	name := util.FileStem(in) + conf.OutputSuffix
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(dir, name)
}

// writeResult writes the container atomically, or for tree output a
// directory named after out without its extension.
func writeResult(out string, res *drm.Result) error {
	if len(res.Data) == 0 && len(res.Files) > 0 {
		return writeTree(strings.TrimSuffix(out, filepath.Ext(out)), res.Files)
	}
	if err := util.PrepareDir(filepath.Dir(out)); err != nil {
		return errors.CreateDirFailed(filepath.Dir(out), err)
	}
	if err := util.WriteFileAtomic(out, res.Data, 0o644); err != nil {
		return errors.WriteOutputFailed(err)
	}
	return nil
}

// writeTree builds the tree in a sibling temporary directory and renames it
// into place.
func writeTree(dir string, files map[string][]byte) error {
	parent := filepath.Dir(dir)
	if err := util.PrepareDir(parent); err != nil {
		return errors.CreateDirFailed(parent, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".*")
	if err != nil {
		return errors.CreateDirFailed(parent, err)
	}
	defer os.RemoveAll(tmp)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := filepath.Join(tmp, filepath.FromSlash(name))
		if !strings.HasPrefix(p, tmp+string(filepath.Separator)) {
			return errors.InvalidArg("tree path " + name)
		}
		if err := util.PrepareDir(filepath.Dir(p)); err != nil {
			return errors.CreateDirFailed(filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, files[name], 0o644); err != nil {
			return errors.WriteOutputFailed(err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.WriteOutputFailed(err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return errors.RenameFileFailed(tmp, dir, err)
	}
	return nil
}

// CommandPID derives the PIDs a Kindle serial or a device key produces
// without book metadata: the serial's Mobipocket PID, the device PID and
// the K4 PID string.
func (m *Manager) CommandPID(serial string, keyFile string) ([]string, error) {
	var out []string
	if serial != "" {
		if _, err := credential.KindleSerial(serial); err != nil {
			return nil, err
		}
		out = append(out, kindle.ChecksumPID(kindle.PIDFromSerial([]byte(serial), 7)+"*"))
	}
	if keyFile != "" {
		creds, err := credential.LoadFile(keyFile)
		if err != nil {
			return nil, err
		}
		for _, c := range creds {
			if c.Kind != credential.KindKindleDeviceKey {
				continue
			}
			dsn, err := kindle.DSN(c)
			if err != nil {
				return nil, err
			}
			pids, err := kindle.K4PIDs(c, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, kindle.DevicePID(dsn))
			out = append(out, pids...)
		}
	}
	if len(out) == 0 {
		return nil, errors.InvalidArg("serial or device key file")
	}
	return out, nil
}

// isOutput reports whether path is a file this tool wrote.
func isOutput(path string) bool {
	return strings.Contains(util.FileStem(path), conf.OutputSuffix) ||
		strings.HasPrefix(filepath.Base(path), ".")
}
