// Package mover moves mail between maildirs according to notmuch queries.
package mover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/mailfile"
	"github.com/afewmail/afew/lib/notmuch"
)

type Rule = config.MoveRule

type Options struct {
	// MaxAge only considers messages received in the last MaxAge days.
	MaxAge int
	// Rename gives moved files a fresh unique name.
	Rename bool
	DryRun bool
}

// ResyncFunc makes the index notice the moved files.
type ResyncFunc func(ctx context.Context) error

type Result struct {
	Moved   int
	Skipped int
}

// FileError is a failed filesystem operation on a message file.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

type Mover struct {
	// Now is the reference time of the max_age window.
	Now func() time.Time

	db     notmuch.Database
	root   string
	resync ResyncFunc
	opts   Options
	log    log.Logger
}

func New(db notmuch.Database, root string, resync ResyncFunc, opts Options) *Mover {
	return &Mover{
		Now:    time.Now,
		db:     db,
		root:   root,
		resync: resync,
		opts:   opts,
		log:    log.NewLogger("MailMover", 2),
	}
}

// destination is a compiled rule destination. Folder names containing
// "{{" are templates evaluated against each message.
type destination struct {
	name string
	tmpl *template.Template
}

type destinationData struct {
	Date    time.Time
	From    string
	Subject string
}

func newDestination(name string) (*destination, error) {
	d := &destination{name: name}
	if !strings.Contains(name, "{{") {
		return d, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(name)
	if err != nil {
		return nil, errors.Wrapf(err, "destination %q", name)
	}
	d.tmpl = tmpl
	return d, nil
}

func (d *destination) folder(msg notmuch.Message) (string, error) {
	if d.tmpl == nil {
		return d.name, nil
	}
	subject, _ := msg.Header("Subject")
	var buf bytes.Buffer
	err := d.tmpl.Execute(&buf, &destinationData{
		Date:    msg.Date().Local(),
		From:    notmuch.Sender(msg),
		Subject: subject,
	})
	if err != nil {
		return "", errors.Wrapf(err, "destination %q", d.name)
	}
	return buf.String(), nil
}

// copyTask is a single file copy.
type copyTask struct {
	msg notmuch.Message
	src string
	dst string
}

func (m *Mover) query(folder, query string) string {
	q := notmuch.And("folder:"+notmuch.Quote(folder), query)
	if m.opts.MaxAge > 0 {
		now := m.Now()
		start := now.AddDate(0, 0, -m.opts.MaxAge)
		q = notmuch.And(q, fmt.Sprintf("date:@%d..@%d", start.Unix(), now.Unix()))
	}
	return q
}

// Move evaluates rules in order against the messages of folder. A file
// is moved by the first rule matching its message. Originals are only
// deleted after every copy succeeded.
func (m *Mover) Move(ctx context.Context, folder string, rules []Rule) (Result, error) {
	var result Result

	dests := make([]*destination, 0, len(rules))
	for _, rule := range rules {
		d, err := newDestination(rule.Destination)
		if err != nil {
			return result, err
		}
		dests = append(dests, d)
	}

	if err := m.db.Open(notmuch.ReadOnly); err != nil {
		return result, err
	}

	source := maildir.Dir(filepath.Join(m.root, folder))
	claimed := make(map[string]bool)
	var originals []string

	for i, rule := range rules {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		msgs, err := notmuch.Query(m.db, m.query(folder, rule.Query))
		if err != nil {
			return result, errors.Wrapf(err, "%s: %s", folder, rule.Query)
		}
		for _, msg := range msgs {
			tasks, err := m.plan(msg, source, dests[i], claimed)
			if err != nil {
				return result, err
			}
			for _, task := range tasks {
				moved, err := m.copy(task)
				if err != nil {
					return result, err
				}
				if !moved {
					result.Skipped++
					continue
				}
				result.Moved++
				if !m.opts.DryRun {
					originals = append(originals, task.src)
				}
			}
		}
	}

	for _, path := range originals {
		if err := os.Remove(path); err != nil {
			return result, &FileError{Op: "delete", Path: path, Err: err}
		}
	}

	if result.Moved == 0 || m.opts.DryRun {
		return result, nil
	}
	m.log.Infof("updating database")
	if err := m.db.Close(); err != nil {
		return result, err
	}
	if m.resync == nil {
		return result, nil
	}
	return result, m.resync(ctx)
}

// plan returns the copies of the files of msg stored in source that no
// earlier rule claimed.
func (m *Mover) plan(
	msg notmuch.Message, source maildir.Dir, dest *destination, claimed map[string]bool,
) ([]copyTask, error) {
	var tasks []copyTask
	for _, src := range msg.Filenames() {
		if claimed[src] || !mailfile.Contains(source, src) {
			continue
		}
		claimed[src] = true

		folder, err := dest.folder(msg)
		if err != nil {
			return nil, err
		}
		dir := maildir.Dir(filepath.Join(m.root, folder))
		if !m.opts.DryRun {
			err := os.MkdirAll(filepath.Dir(string(dir)), 0o700)
			if err == nil {
				err = dir.Init()
			}
			if err != nil {
				return nil, &FileError{Op: "create", Path: string(dir), Err: err}
			}
		}
		name := filepath.Base(src)
		if m.opts.Rename {
			name = uuid.NewString() + mailfile.InfoSuffix(name)
		}
		tasks = append(tasks, copyTask{
			msg: msg,
			src: src,
			dst: filepath.Join(string(dir), mailfile.Subdir(src), name),
		})
	}
	return tasks, nil
}

// copy duplicates task.src to task.dst and reports whether the original
// may be deleted afterwards.
func (m *Mover) copy(task copyTask) (bool, error) {
	if m.opts.DryRun {
		m.log.Infof("I would move mail")
		m.log.Infof("    %s", notmuch.Summary(task.msg))
		m.log.Infof("from '%s' to '%s'", task.src, task.dst)
		return true, nil
	}
	m.log.Debugf("moving mail")
	m.log.Debugf("    %s", notmuch.Summary(task.msg))
	m.log.Debugf("from '%s' to '%s'", task.src, task.dst)

	err := copyFile(task.src, task.dst)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSameFile):
		m.log.Debugf("%s is already in place", task.src)
		return false, nil
	case errors.Is(err, fs.ErrExist):
		m.log.Infof("%s already exists, skipping", task.dst)
		return false, nil
	}
	return false, &FileError{Op: "copy", Path: task.src, Err: err}
}

var errSameFile = errors.New("source and destination are the same file")

// copyFile writes a synced copy of src to dst. An existing dst is never
// overwritten.
func copyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, dstInfo) {
		return errSameFile
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != srcInfo.Size() {
		err = fmt.Errorf("short copy: %d of %d bytes", n, srcInfo.Size())
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}
