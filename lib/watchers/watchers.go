// Package watchers reports files appearing in and vanishing from a mail
// tree.
package watchers

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
)

// Watcher delivers the file system events of a directory tree.
type Watcher interface {
	// Configure starts watching root. Backends that are not recursive
	// still need Add for every directory below it.
	Configure(root string) error
	Events() <-chan *Event
	Add(dir string) error
	Remove(dir string) error
	Close() error
}

type Op int

const (
	Create Op = iota
	Remove
	Rename
)

func (op Op) String() string {
	switch op {
	case Create:
		return "create"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

type Event struct {
	Op   Op
	Path string
}

type Factory func() (Watcher, error)

var factory Factory

func register(fn Factory) {
	factory = fn
}

func New() (Watcher, error) {
	if factory == nil {
		return nil, fmt.Errorf("Unsupported OS: %s", runtime.GOOS)
	}
	return factory()
}

// Skip reports whether a directory must not be watched. The tmp dirs of
// maildirs only hold partially delivered files.
func Skip(name string) bool {
	return name == "tmp" || strings.HasPrefix(name, ".notmuch")
}

// WalkDirs lists root and every directory below it that is worth
// watching.
func WalkDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && Skip(d.Name()) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

// send delivers ev unless done is closed first.
func send(ch chan<- *Event, done <-chan struct{}, ev *Event) bool {
	select {
	case ch <- ev:
		return true
	case <-done:
		return false
	}
}
