//go:build darwin

package watchers

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsevents"

	"github.com/afewmail/afew/lib/log"
)

func init() {
	register(newFSEvents)
}

// fseventsWatcher watches the whole tree from its root, Add and Remove
// are no-ops.
type fseventsWatcher struct {
	stream *fsevents.EventStream
	ch     chan *Event
	done   chan struct{}
}

func newFSEvents() (Watcher, error) {
	return &fseventsWatcher{
		ch:   make(chan *Event),
		done: make(chan struct{}),
		stream: &fsevents.EventStream{
			Flags:   fsevents.WatchRoot | fsevents.FileEvents,
			Latency: 500 * time.Millisecond,
		},
	}, nil
}

func (w *fseventsWatcher) loop() {
	defer log.PanicHandler()
	defer close(w.ch)
	for {
		var batch []fsevents.Event
		select {
		case b, ok := <-w.stream.Events:
			if !ok {
				return
			}
			batch = b
		case <-w.done:
			return
		}
		for _, ev := range batch {
			path := ev.Path
			if !filepath.IsAbs(path) {
				// relative to the device root
				path = "/" + path
			}
			var op Op
			switch {
			case ev.Flags&fsevents.ItemRemoved != 0:
				op = Remove
			case ev.Flags&fsevents.ItemRenamed != 0:
				// both ends of a rename carry the flag
				op = Rename
				if _, err := os.Lstat(path); err == nil {
					op = Create
				}
			case ev.Flags&fsevents.ItemCreated != 0:
				op = Create
			default:
				continue
			}
			if !send(w.ch, w.done, &Event{Op: op, Path: path}) {
				return
			}
		}
	}
}

func (w *fseventsWatcher) Configure(root string) error {
	dev, err := fsevents.DeviceForPath(root)
	if err != nil {
		return err
	}
	w.stream.Device = dev
	w.stream.Paths = []string{root}
	if err := w.stream.Start(); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *fseventsWatcher) Events() <-chan *Event {
	return w.ch
}

func (w *fseventsWatcher) Add(string) error {
	return nil
}

func (w *fseventsWatcher) Remove(string) error {
	return nil
}

func (w *fseventsWatcher) Close() error {
	close(w.done)
	w.stream.Stop()
	return nil
}
