package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/filters"
	"github.com/afewmail/afew/lib/notmuch/memdb"
	"github.com/afewmail/afew/lib/watchers"
)

// fakeFS replays a fixed list of events.
type fakeFS struct {
	root   string
	added  []string
	events chan *watchers.Event
	closed bool
}

func newFakeFS(events ...*watchers.Event) *fakeFS {
	ch := make(chan *watchers.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeFS{events: ch}
}

func (f *fakeFS) Configure(root string) error {
	f.root = root
	return nil
}

func (f *fakeFS) Events() <-chan *watchers.Event {
	return f.events
}

func (f *fakeFS) Add(dir string) error {
	f.added = append(f.added, dir)
	return nil
}

func (f *fakeFS) Remove(string) error {
	return nil
}

func (f *fakeFS) Close() error {
	f.closed = true
	return nil
}

type fixture struct {
	root string
	db   *memdb.DB
	env  *filters.Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"INBOX", "Junk"} {
		require.NoError(t, maildir.Dir(filepath.Join(root, dir)).Init())
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".notmuch", "xapian"), 0o700))
	db := memdb.New(root)
	return &fixture{
		root: root,
		db:   db,
		env: &filters.Env{
			DB:         db,
			Notmuch:    &config.Notmuch{DatabasePath: root, NewTags: []string{"new"}},
			MailRoot:   root,
			RetryFor:   50 * time.Millisecond,
			RetryDelay: 10 * time.Millisecond,
		},
	}
}

func (x *fixture) deliver(t *testing.T, rel, id, spam string) string {
	t.Helper()
	path := filepath.Join(x.root, rel)
	data := fmt.Sprintf("From: bob@example.org\r\n"+
		"Message-ID: <%s>\r\n"+
		"X-Spam-Flag: %s\r\n"+
		"Subject: test\r\n"+
		"\r\n"+
		"body\r\n", id, spam)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func (x *fixture) watcher(t *testing.T, fs watchers.Watcher) *Watcher {
	t.Helper()
	reg := filters.NewRegistry()
	var chain []filters.Filter
	for _, name := range []string{"SpamFilter", "InboxFilter"} {
		f, err := reg.New(name, name, nil, x.env)
		require.NoError(t, err)
		chain = append(chain, f)
	}
	return New(x.env, filters.NewChain(x.env, chain), fs, []string{"Junk/*"})
}

func create(path string) *watchers.Event {
	return &watchers.Event{Op: watchers.Create, Path: path}
}

func TestRegistersDirectories(t *testing.T) {
	x := newFixture(t)
	fs := newFakeFS()
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))

	assert.Equal(t, x.root, fs.root)
	assert.Equal(t, []string{
		filepath.Join(x.root, "INBOX"),
		filepath.Join(x.root, "INBOX", "cur"),
		filepath.Join(x.root, "INBOX", "new"),
		filepath.Join(x.root, "Junk"),
		filepath.Join(x.root, "Junk", "cur"),
		filepath.Join(x.root, "Junk", "new"),
	}, fs.added)
	assert.True(t, fs.closed)
}

func TestTagsNewMail(t *testing.T) {
	x := newFixture(t)
	ham := x.deliver(t, "INBOX/cur/ham:2,S", "ham@example.org", "NO")
	spam := x.deliver(t, "INBOX/cur/spam:2,S", "spam@example.org", "YES")
	junk := x.deliver(t, "Junk/cur/junk:2,S", "junk@example.org", "YES")
	require.NoError(t, os.MkdirAll(filepath.Join(x.root, "Lists", "cur"), 0o700))

	fs := newFakeFS(
		create(ham),
		create(spam),
		create(junk),
		create(filepath.Join(x.root, ".notmuch", "xapian", "postlist.tmp")),
		create(filepath.Join(x.root, "Lists")),
	)
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))

	assert.Equal(t, []string{"inbox"}, x.db.Get("ham@example.org").Tags())
	assert.Equal(t, []string{"spam"}, x.db.Get("spam@example.org").Tags())
	assert.Nil(t, x.db.Get("junk@example.org"))
	assert.Contains(t, fs.added, filepath.Join(x.root, "Lists"))

	// another copy of a known message is not filtered again
	require.NoError(t, os.Rename(ham, filepath.Join(x.root, "INBOX", "cur", "ham:2,RS")))
	copied := x.deliver(t, "INBOX/new/ham-copy", "ham@example.org", "YES")
	fs = newFakeFS(
		create(copied),
		&watchers.Event{Op: watchers.Rename, Path: ham},
	)
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))
	msg := x.db.Get("ham@example.org")
	require.NotNil(t, msg)
	assert.Equal(t, []string{"inbox"}, msg.Tags())
	assert.Equal(t, []string{copied}, msg.Filenames())
}

func TestRemove(t *testing.T) {
	x := newFixture(t)
	path := x.deliver(t, "INBOX/cur/gone:2,S", "gone@example.org", "NO")
	require.NoError(t, x.watcher(t, newFakeFS(create(path))).Run(context.Background()))
	require.NotNil(t, x.db.Get("gone@example.org"))

	require.NoError(t, os.Remove(path))
	fs := newFakeFS(&watchers.Event{Op: watchers.Remove, Path: path})
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))
	assert.Nil(t, x.db.Get("gone@example.org"))
}

func TestRenameKeepsTags(t *testing.T) {
	x := newFixture(t)
	old := x.deliver(t, "INBOX/cur/ham:2,", "ham@example.org", "NO")
	require.NoError(t, x.watcher(t, newFakeFS(create(old))).Run(context.Background()))
	msg := x.db.Get("ham@example.org")
	require.NotNil(t, msg)
	assert.Equal(t, []string{"inbox", "unread"}, msg.Tags())
	msg.TagList = []string{"todo", "unread"}

	// a mail client marking the message as seen
	seen := filepath.Join(x.root, "INBOX", "cur", "ham:2,S")
	require.NoError(t, os.Rename(old, seen))
	fs := newFakeFS(
		&watchers.Event{Op: watchers.Rename, Path: old},
		create(seen),
	)
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))

	msg = x.db.Get("ham@example.org")
	require.NotNil(t, msg)
	assert.Equal(t, []string{"todo"}, msg.Tags())
	assert.Equal(t, []string{seen}, msg.Filenames())
}

func TestRenameOutOfRoot(t *testing.T) {
	x := newFixture(t)
	path := x.deliver(t, "INBOX/cur/gone:2,S", "gone@example.org", "NO")
	require.NoError(t, x.watcher(t, newFakeFS(create(path))).Run(context.Background()))
	require.NotNil(t, x.db.Get("gone@example.org"))

	require.NoError(t, os.Rename(path, filepath.Join(t.TempDir(), "gone:2,S")))
	fs := newFakeFS(&watchers.Event{Op: watchers.Rename, Path: path})
	require.NoError(t, x.watcher(t, fs).Run(context.Background()))
	assert.Nil(t, x.db.Get("gone@example.org"))
}

func TestDryRun(t *testing.T) {
	x := newFixture(t)
	kept := x.deliver(t, "INBOX/cur/kept:2,S", "kept@example.org", "NO")
	require.NoError(t, x.watcher(t, newFakeFS(create(kept))).Run(context.Background()))

	path := x.deliver(t, "INBOX/cur/dry:2,S", "dry@example.org", "YES")
	require.NoError(t, os.Remove(kept))
	w := x.watcher(t, newFakeFS(
		create(path),
		&watchers.Event{Op: watchers.Remove, Path: kept},
	))
	w.DryRun = true
	require.NoError(t, w.Run(context.Background()))
	assert.Nil(t, x.db.Get("dry@example.org"))
	assert.NotNil(t, x.db.Get("kept@example.org"))
}

func TestStopsOnCancel(t *testing.T) {
	x := newFixture(t)
	fs := &fakeFS{events: make(chan *watchers.Event)}
	ctx, cancel := context.WithCancel(context.Background())
	w := x.watcher(t, fs)
	done := make(chan error)
	go func() {
		done <- w.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.True(t, fs.closed)
}
