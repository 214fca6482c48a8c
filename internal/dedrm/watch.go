package dedrm

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/dedrm/conf"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/filemonitor"
	"github.com/sjzar/dedrm/pkg/util"
)

const watchGroupID = "books"

// Watch decrypts every book that appears under watch.dir into the watch
// output directory until ctx is done. Books already present and not yet
// decrypted are processed first. A file is picked up once it has not
// changed for the settle delay.
func (m *Manager) Watch(ctx context.Context) error {
	dir := m.conf.Watch.Dir
	if dir == "" {
		return errors.ConfigInvalid("watch.dir", errors.InvalidArg("empty directory"))
	}
	if st, err := os.Stat(dir); err != nil {
		return errors.StatFileFailed(dir, err)
	} else if !st.IsDir() {
		return errors.ConfigInvalid("watch.dir", errors.InvalidArg(dir+" is not a directory"))
	}

	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()

	blacklist := append([]string{conf.OutputSuffix}, m.conf.Watch.Blacklist...)
	m.monitor = filemonitor.NewFileMonitor()
	group, err := m.monitor.CreateGroup(watchGroupID, dir, m.conf.GetWatchPattern(), blacklist)
	if err != nil {
		return errors.ConfigInvalid("watch.pattern", err)
	}
	group.AddCallback(func(event fsnotify.Event) error {
		if event.Op&fsnotify.Rename != 0 {
			// the old name of a rename
			if _, err := os.Stat(event.Name); err != nil {
				return nil
			}
		}
		m.schedule(ctx, event.Name)
		return nil
	})

	existing, err := group.List()
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "scan watch directory")
	}
	for _, f := range existing {
		if !m.decrypted(f) {
			m.schedule(ctx, f)
		}
	}

	if err := m.monitor.Start(); err != nil {
		m.stopJobs()
		return errors.Wrap(err, errors.KindIO, "start file monitor")
	}
	log.Info().Str("dir", dir).Str("output", m.conf.GetWatchOutputDir()).Msg("watching for books")

	<-ctx.Done()

	if err := m.monitor.Stop(); err != nil {
		log.Debug().Err(err).Msg("stop file monitor")
	}
	m.stopJobs()
	return nil
}

// stopJobs drops the pending files and waits for running jobs.
func (m *Manager) stopJobs() {
	m.mu.Lock()
	m.closed = true
	for path, t := range m.pending {
		t.Stop()
		delete(m.pending, path)
	}
	m.mu.Unlock()
	m.jobs.Wait()
}

// schedule (re)starts the settle timer of path.
func (m *Manager) schedule(ctx context.Context, path string) {
	if isOutput(path) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if t, ok := m.pending[path]; ok {
		t.Reset(m.settle)
		return
	}
	m.pending[path] = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		delete(m.pending, path)
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.jobs.Add(1)
		m.mu.Unlock()
		defer m.jobs.Done()

		m.process(ctx, path)
	})
}

// decrypted reports whether an output for path already exists.
func (m *Manager) decrypted(path string) bool {
	base := filepath.Join(m.conf.GetWatchOutputDir(), util.FileStem(path)+conf.OutputSuffix)
	if _, err := os.Stat(base); err == nil {
		return true
	}
	matches, _ := filepath.Glob(base + ".*")
	return len(matches) > 0
}

func (m *Manager) process(ctx context.Context, path string) {
	out, res, err := m.decrypt(ctx, path, "", m.conf.GetWatchOutputDir())
	switch {
	case err == nil:
		log.Info().Str("file", path).Str("output", out).Str("format", res.Format.String()).Msg("book decrypted")
	case errors.IsDrmFree(err):
		log.Info().Str("file", path).Str("output", out).Msg("book has no DRM, copied")
	default:
		kind, msg := errors.Details(err)
		log.Error().Str("file", path).Str("kind", string(kind)).Msg(msg)
	}
}
