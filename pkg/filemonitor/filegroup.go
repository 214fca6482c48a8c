package filemonitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileChangeCallback handles one event of a file in the group.
type FileChangeCallback func(event fsnotify.Event) error

// DefaultOps are the operations a group reacts to unless told otherwise.
const DefaultOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

// FileGroup is a set of files under RootDir whose base name matches Pattern
// and whose relative path contains no Blacklist entry.
type FileGroup struct {
	ID        string
	RootDir   string
	Pattern   *regexp.Regexp
	Blacklist []string
	// Ops filters the events passed to the callbacks.
	Ops       fsnotify.Op
	Callbacks []FileChangeCallback
	mutex     sync.RWMutex
}

func NewFileGroup(id, rootDir, pattern string, blacklist []string) (*FileGroup, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	return &FileGroup{
		ID:        id,
		RootDir:   filepath.Clean(rootDir),
		Pattern:   re,
		Blacklist: blacklist,
		Ops:       DefaultOps,
	}, nil
}

func (fg *FileGroup) AddCallback(callback FileChangeCallback) {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	fg.Callbacks = append(fg.Callbacks, callback)
}

// Match reports whether path belongs to the group.
func (fg *FileGroup) Match(path string) bool {
	path = filepath.Clean(path)

	relPath, err := filepath.Rel(fg.RootDir, path)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return false
	}

	if !fg.Pattern.MatchString(filepath.Base(path)) {
		return false
	}

	for _, blackItem := range fg.Blacklist {
		if strings.Contains(relPath, blackItem) {
			return false
		}
	}

	return true
}

// List scans RootDir for the files of the group.
func (fg *FileGroup) List() ([]string, error) {
	files := []string{}

	err := fs.WalkDir(os.DirFS(fg.RootDir), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if d.IsDir() {
			return nil
		}

		absPath := filepath.Join(fg.RootDir, path)
		if fg.Match(absPath) {
			files = append(files, absPath)
		}
		return nil
	})

	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error listing files: %w", err)
	}

	return files, nil
}

// ListMatchingDirectories returns the directories holding group files.
func (fg *FileGroup) ListMatchingDirectories() (map[string]bool, error) {
	files, err := fg.List()
	if err != nil {
		return nil, err
	}

	directories := make(map[string]bool)
	for _, file := range files {
		directories[filepath.Dir(file)] = true
	}
	return directories, nil
}

// HandleEvent runs the callbacks for a matching event, each in its own
// goroutine.
func (fg *FileGroup) HandleEvent(event fsnotify.Event) {
	if event.Op&fg.Ops == 0 || !fg.Match(event.Name) {
		return
	}

	fg.mutex.RLock()
	callbacks := make([]FileChangeCallback, len(fg.Callbacks))
	copy(callbacks, fg.Callbacks)
	fg.mutex.RUnlock()

	for _, callback := range callbacks {
		go func(cb FileChangeCallback) {
			if err := cb(event); err != nil {
				log.WithFields(log.Fields{
					"group": fg.ID,
					"file":  event.Name,
					"op":    event.Op.String(),
				}).WithError(err).Error("callback failed")
			}
		}(callback)
	}
}
