// Package watcher indexes and tags mail as soon as it is delivered.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/danwakefield/fnmatch"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/filters"
	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/mailfile"
	"github.com/afewmail/afew/lib/notmuch"
	"github.com/afewmail/afew/lib/watchers"
)

// Files notmuch, dovecot and lock files churn on, never mail.
var ignoreRe = regexp.MustCompile(`(/xapian/.*(base.|tmp)$)|(\.lock$)|(/dovecot)`)

// How long the old name of a renamed file stays indexed while waiting for
// the new name to show up.
const renameSettle = time.Second

type Watcher struct {
	DryRun bool

	db         notmuch.Database
	chain      *filters.Chain
	fs         watchers.Watcher
	root       string
	newTags    []string
	ignore     []string
	retryFor   time.Duration
	retryDelay time.Duration
	settle     time.Duration
	// old names of renamed files, removed once the new name is indexed
	renamed []string
	log     log.Logger
}

// New returns a Watcher running chain on the mail delivered below the
// mail root of env. Paths relative to the root that match one of the
// ignore globs are not indexed.
func New(env *filters.Env, chain *filters.Chain, fs watchers.Watcher, ignore []string) *Watcher {
	w := &Watcher{
		db:         env.DB,
		chain:      chain,
		fs:         fs,
		root:       env.MailRoot,
		ignore:     ignore,
		retryFor:   env.RetryFor,
		retryDelay: env.RetryDelay,
		settle:     renameSettle,
		log:        log.NewLogger("watch", 2),
	}
	if env.Notmuch != nil {
		w.newTags = env.Notmuch.NewTags
	}
	if w.retryFor <= 0 {
		w.retryFor = notmuch.DefaultRetryFor
	}
	return w
}

// Run handles file system events until ctx is done. The database is
// closed between events so that other notmuch clients can get the write
// lock. The old name of a renamed file stays indexed until its new name is,
// or until no event came for a while.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.db.Close()
	defer w.fs.Close()

	w.log.Debugf("Registering watch descriptors")
	dirs, err := watchers.WalkDirs(w.root)
	if err != nil {
		return err
	}
	if err := w.fs.Configure(w.root); err != nil {
		return err
	}
	for _, dir := range dirs {
		if dir == w.root {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return errors.Wrapf(err, "watch %s", dir)
		}
	}
	w.log.Debugf("Watching %d directories", len(dirs))

	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.flushRenamed()
			w.log.Infof("Exiting file watch.")
			return nil
		case <-settled:
			settled = nil
			w.flushRenamed()
		case ev, ok := <-w.fs.Events():
			if !ok {
				w.flushRenamed()
				return nil
			}
			if err := w.handle(ev); err != nil {
				w.log.Warnf("%s %s: %v", ev.Op, ev.Path, err)
			}
			if len(w.renamed) > 0 && settled == nil {
				settled = time.After(w.settle)
			}
		}
		if err := w.db.Close(); err != nil {
			w.log.Warnf("closing database: %v", err)
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	if ignoreRe.MatchString(path) {
		return true
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, pattern := range w.ignore {
		if fnmatch.Match(pattern, rel, 0) {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(ev *watchers.Event) error {
	if w.ignored(ev.Path) {
		return nil
	}
	switch ev.Op {
	case watchers.Create:
		info, err := os.Stat(ev.Path)
		if errors.Is(err, os.ErrNotExist) {
			// already moved on, the matching remove event follows
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			if watchers.Skip(info.Name()) {
				return nil
			}
			w.log.Debugf("Watching new directory %s", ev.Path)
			return w.fs.Add(ev.Path)
		}
		if _, ok := mailfile.FolderOf(w.root, ev.Path); !ok {
			return nil
		}
		w.unrename(ev.Path)
		return w.add(ev.Path)
	case watchers.Remove:
		w.unrename(ev.Path)
		return w.remove(ev.Path)
	case watchers.Rename:
		// the new name usually follows as a create event
		w.log.Debugf("Detected file rename: %s", ev.Path)
		w.unrename(ev.Path)
		w.renamed = append(w.renamed, ev.Path)
	}
	return nil
}

func (w *Watcher) unrename(path string) {
	for i, p := range w.renamed {
		if p == path {
			w.renamed = append(w.renamed[:i], w.renamed[i+1:]...)
			return
		}
	}
}

func (w *Watcher) remove(path string) error {
	w.log.Debugf("Detected file removal: %s", path)
	if w.DryRun {
		w.log.Infof("I would remove %s from the database", path)
		return nil
	}
	if err := notmuch.OpenRetry(w.db, notmuch.ReadWrite, w.retryFor, w.retryDelay); err != nil {
		return err
	}
	return w.db.RemoveMessage(path)
}

// flushRenamed removes the old names that no create event claimed. The
// files were moved out of the mail root.
func (w *Watcher) flushRenamed() {
	renamed := w.renamed
	w.renamed = nil
	for _, path := range renamed {
		if err := w.remove(path); err != nil {
			w.log.Warnf("%s: %v", path, err)
		}
	}
}

// pairRenamed drops the old names of msg once its new name is indexed,
// then syncs the tags with the flags of the new name.
func (w *Watcher) pairRenamed(msg notmuch.Message) error {
	files := make(map[string]bool)
	for _, f := range msg.Filenames() {
		files[f] = true
	}
	var old, rest []string
	for _, p := range w.renamed {
		if files[p] {
			old = append(old, p)
		} else {
			rest = append(rest, p)
		}
	}
	w.renamed = rest
	if len(old) == 0 {
		return nil
	}
	for _, p := range old {
		w.log.Debugf("%s renamed, dropping the old name", p)
		if err := w.db.RemoveMessage(p); err != nil {
			return err
		}
	}
	msg, err := w.db.FindMessage(msg.ID())
	if err != nil {
		return err
	}
	return msg.MaildirFlagsToTags()
}

// add indexes the file at path. Messages that were not indexed before
// get the notmuch new tags and go through every filter.
func (w *Watcher) add(path string) error {
	if w.DryRun {
		w.log.Infof("I would index %s", path)
		return nil
	}
	if err := notmuch.OpenRetry(w.db, notmuch.ReadWrite, w.retryFor, w.retryDelay); err != nil {
		return err
	}
	msg, duplicate, err := w.db.AddMessage(path, true)
	if err != nil {
		return errors.Wrap(err, "Error opening mail file")
	}
	if duplicate {
		w.log.Debugf("%s is another copy of id:%s", path, msg.ID())
		return w.pairRenamed(msg)
	}
	w.log.Infof("Found new mail in %s", path)
	for _, tag := range w.newTags {
		if err := msg.AddTag(tag); err != nil {
			return err
		}
	}

	query := "id:" + notmuch.Quote(msg.ID())
	for _, r := range w.chain.Runners {
		_, err := r.Run(query)
		if err == nil {
			err = r.Commit(false)
		}
		if err != nil {
			w.log.Warnf("Error processing mail with filter %s: %v", r.Filter.Name(), err)
		}
	}
	return nil
}
