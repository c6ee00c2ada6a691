//go:build !darwin
// +build !darwin

package watchers

import (
	"github.com/fsnotify/fsnotify"

	"github.com/afewmail/afew/lib/log"
)

func init() {
	register(newInotify)
}

type inotify struct {
	w    *fsnotify.Watcher
	ch   chan *Event
	done chan struct{}
}

func newInotify() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	in := &inotify{
		w:    w,
		ch:   make(chan *Event),
		done: make(chan struct{}),
	}
	go in.loop()
	return in, nil
}

func (in *inotify) loop() {
	defer log.PanicHandler()
	defer close(in.ch)
	for {
		select {
		case ev, ok := <-in.w.Events:
			if !ok {
				return
			}
			var op Op
			switch {
			case ev.Has(fsnotify.Create):
				op = Create
			case ev.Has(fsnotify.Remove):
				op = Remove
			case ev.Has(fsnotify.Rename):
				op = Rename
			default:
				continue
			}
			if !send(in.ch, in.done, &Event{Op: op, Path: ev.Name}) {
				return
			}
		case err, ok := <-in.w.Errors:
			if !ok {
				return
			}
			log.Warnf("inotify: %v", err)
		case <-in.done:
			return
		}
	}
}

func (in *inotify) Configure(root string) error {
	return in.w.Add(root)
}

func (in *inotify) Events() <-chan *Event {
	return in.ch
}

func (in *inotify) Add(dir string) error {
	return in.w.Add(dir)
}

func (in *inotify) Remove(dir string) error {
	return in.w.Remove(dir)
}

func (in *inotify) Close() error {
	close(in.done)
	return in.w.Close()
}
