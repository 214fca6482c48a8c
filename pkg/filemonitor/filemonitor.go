package filemonitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileMonitor watches the directories of its file groups and forwards
// events to them.
type FileMonitor struct {
	groups    map[string]*FileGroup
	watcher   *fsnotify.Watcher
	watchDirs map[string]bool
	// directories containing any of these are never watched
	blacklist  []string
	mutex      sync.RWMutex // groups, watchDirs, blacklist
	stopCh     chan struct{}
	wg         sync.WaitGroup
	isRunning  bool
	stateMutex sync.RWMutex
}

func NewFileMonitor() *FileMonitor {
	return &FileMonitor{
		groups:    make(map[string]*FileGroup),
		watchDirs: make(map[string]bool),
		blacklist: []string{},
		isRunning: false,
	}
}

// SetBlacklist replaces the directory blacklist.
func (fm *FileMonitor) SetBlacklist(blacklist []string) {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()

	fm.blacklist = make([]string, len(blacklist))
	copy(fm.blacklist, blacklist)
}

// AddGroup registers group and, on a running monitor, watches it at once.
func (fm *FileMonitor) AddGroup(group *FileGroup) error {
	if group == nil {
		return errors.New("group cannot be nil")
	}

	isRunning := fm.IsRunning()

	fm.mutex.Lock()
	if _, exists := fm.groups[group.ID]; exists {
		fm.mutex.Unlock()
		return fmt.Errorf("group with ID '%s' already exists", group.ID)
	}
	fm.groups[group.ID] = group
	fm.mutex.Unlock()

	if isRunning {
		if err := fm.setupWatchForGroup(group); err != nil {
			fm.mutex.Lock()
			delete(fm.groups, group.ID)
			fm.mutex.Unlock()
			return err
		}
	}

	return nil
}

// CreateGroup builds a group and adds it.
func (fm *FileMonitor) CreateGroup(id, rootDir, pattern string, blacklist []string) (*FileGroup, error) {
	group, err := NewFileGroup(id, rootDir, pattern, blacklist)
	if err != nil {
		return nil, err
	}
	if err := fm.AddGroup(group); err != nil {
		return nil, err
	}

	return group, nil
}

func (fm *FileMonitor) GetGroup(id string) (*FileGroup, bool) {
	fm.mutex.RLock()
	defer fm.mutex.RUnlock()

	group, exists := fm.groups[id]
	return group, exists
}

// Start watches every group and runs the event loop until Stop.
func (fm *FileMonitor) Start() error {
	fm.stateMutex.Lock()
	if fm.isRunning {
		fm.stateMutex.Unlock()
		return errors.New("file monitor is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fm.stateMutex.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	fm.watcher = watcher

	fm.stopCh = make(chan struct{})

	groups := fm.snapshot()

	fm.mutex.Lock()
	fm.watchDirs = make(map[string]bool)
	fm.mutex.Unlock()

	// setupWatchForGroup requires the running flag
	fm.isRunning = true
	fm.stateMutex.Unlock()

	for _, group := range groups {
		if err := fm.setupWatchForGroup(group); err != nil {
			_ = fm.watcher.Close()

			fm.stateMutex.Lock()
			fm.watcher = nil
			fm.isRunning = false
			fm.stateMutex.Unlock()

			return fmt.Errorf("failed to setup watch for group '%s': %w", group.ID, err)
		}
	}

	fm.wg.Add(1)
	go fm.watchLoop()

	log.WithField("groups", len(groups)).Debug("file monitor started")
	return nil
}

// Stop ends the event loop and closes the watcher.
func (fm *FileMonitor) Stop() error {
	fm.stateMutex.Lock()
	if !fm.isRunning {
		fm.stateMutex.Unlock()
		return errors.New("file monitor is not running")
	}

	watcher := fm.watcher
	close(fm.stopCh)
	fm.isRunning = false
	fm.stateMutex.Unlock()

	fm.wg.Wait()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			return fmt.Errorf("failed to close watcher: %w", err)
		}

		fm.stateMutex.Lock()
		fm.watcher = nil
		fm.stateMutex.Unlock()
	}

	log.Debug("file monitor stopped")
	return nil
}

func (fm *FileMonitor) IsRunning() bool {
	fm.stateMutex.RLock()
	defer fm.stateMutex.RUnlock()
	return fm.isRunning
}

func (fm *FileMonitor) addWatchDir(dirPath string) error {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()

	for _, pattern := range fm.blacklist {
		if strings.Contains(dirPath, pattern) {
			log.WithField("dir", dirPath).Debug("skip blacklisted directory")
			return nil
		}
	}
	if fm.watchDirs[dirPath] {
		return nil
	}
	if err := fm.watcher.Add(dirPath); err != nil {
		return fmt.Errorf("failed to watch directory '%s': %w", dirPath, err)
	}

	fm.watchDirs[dirPath] = true
	log.WithField("dir", dirPath).Debug("watch directory")
	return nil
}

// setupWatchForGroup watches the group root and every directory already
// holding a group file.
func (fm *FileMonitor) setupWatchForGroup(group *FileGroup) error {
	if !fm.IsRunning() {
		return errors.New("file monitor is not running")
	}

	matchingDirs, err := group.ListMatchingDirectories()
	if err != nil {
		return fmt.Errorf("failed to list matching directories: %w", err)
	}

	rootDir := filepath.Clean(group.RootDir)
	if err := fm.addWatchDir(rootDir); err != nil {
		return err
	}

	for dir := range matchingDirs {
		if err := fm.addWatchDir(dir); err != nil {
			return err
		}
	}

	return nil
}

func (fm *FileMonitor) watchLoop() {
	defer fm.wg.Done()

	for {
		select {
		case <-fm.stopCh:
			return

		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}

			// new subdirectories of a group root are watched too
			info, err := os.Stat(event.Name)
			if err == nil && info.IsDir() && event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				if fm.underGroup(event.Name) {
					if err := fm.addWatchDir(event.Name); err != nil {
						log.WithField("dir", event.Name).WithError(err).Error("watch new directory")
					}
				}
				continue
			}

			for _, group := range fm.snapshot() {
				group.HandleEvent(event)
			}

		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("watcher error")
		}
	}
}

func (fm *FileMonitor) snapshot() []*FileGroup {
	fm.mutex.RLock()
	defer fm.mutex.RUnlock()

	groups := make([]*FileGroup, 0, len(fm.groups))
	for _, group := range fm.groups {
		groups = append(groups, group)
	}
	return groups
}

func (fm *FileMonitor) underGroup(dir string) bool {
	for _, group := range fm.snapshot() {
		rel, err := filepath.Rel(group.RootDir, dir)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}
