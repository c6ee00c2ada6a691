package mover

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afewmail/afew/lib/notmuch/memdb"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type mailbox struct {
	root string
	db   *memdb.DB
}

func newMailbox(t *testing.T, folders ...string) *mailbox {
	t.Helper()
	root := t.TempDir()
	for _, f := range folders {
		require.NoError(t, maildir.Dir(filepath.Join(root, f)).Init())
	}
	return &mailbox{root: root, db: memdb.New(root)}
}

// deliver writes a message file at rel, relative to the root.
func (mb *mailbox) deliver(t *testing.T, rel, id string, date time.Time) {
	t.Helper()
	data := fmt.Sprintf("From: Bob <bob@example.org>\r\n"+
		"Subject: about %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <%s>\r\n"+
		"\r\n"+
		"body\r\n", id, date.Format(time.RFC1123Z), id)
	require.NoError(t, os.WriteFile(filepath.Join(mb.root, rel), []byte(data), 0o600))
}

func (mb *mailbox) index(t *testing.T, tags map[string][]string) {
	t.Helper()
	require.NoError(t, mb.db.Rescan())
	for id, list := range tags {
		msg := mb.db.Get(id)
		require.NotNil(t, msg, id)
		msg.TagList = list
	}
}

func (mb *mailbox) files(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(mb.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(mb.root, path)
		files = append(files, rel)
		return err
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func (mb *mailbox) mover(opts Options) *Mover {
	m := New(mb.db, mb.root, mb.db.Resync, opts)
	m.Now = func() time.Time { return now }
	return m
}

func TestMoveConverges(t *testing.T) {
	mb := newMailbox(t, "INBOX", "Archive", "Spam")
	day := now.AddDate(0, 0, -1)
	mb.deliver(t, "INBOX/cur/m1:2,S", "m1@example.org", day)
	mb.deliver(t, "Archive/cur/m2:2,S", "m2@example.org", day)
	mb.deliver(t, "INBOX/cur/m3:2,", "m3@example.org", day)
	mb.deliver(t, "INBOX/new/m4", "m4@example.org", day)
	mb.index(t, map[string][]string{
		"m1@example.org": {"archive"},
		"m2@example.org": {"inbox"},
		"m3@example.org": {"spam"},
		"m4@example.org": {"inbox", "unread"},
	})

	rules := map[string][]Rule{
		"INBOX": {
			{Query: "tag:spam", Destination: "Spam"},
			{Query: "NOT tag:inbox", Destination: "Archive"},
		},
		"Archive": {
			{Query: "tag:inbox", Destination: "INBOX"},
			{Query: "tag:spam", Destination: "Spam"},
		},
		"Spam": {
			{Query: "NOT tag:spam", Destination: "INBOX"},
		},
	}
	m := mb.mover(Options{})
	moved := 0
	for _, folder := range []string{"INBOX", "Archive", "Spam"} {
		res, err := m.Move(context.Background(), folder, rules[folder])
		require.NoError(t, err, folder)
		moved += res.Moved
	}
	assert.Equal(t, 3, moved)
	assert.Equal(t, 2, mb.db.Resyncs())

	expected := []string{
		"Archive/cur/m1:2,S",
		"INBOX/cur/m2:2,S",
		"INBOX/new/m4",
		"Spam/cur/m3:2,",
	}
	if diff := cmp.Diff(expected, mb.files(t)); diff != "" {
		t.Errorf("unexpected maildir contents (-want +got):\n%s", diff)
	}

	// a second pass has nothing left to do
	for _, folder := range []string{"INBOX", "Archive", "Spam"} {
		res, err := m.Move(context.Background(), folder, rules[folder])
		require.NoError(t, err, folder)
		assert.Equal(t, Result{}, res, folder)
	}
	assert.Equal(t, 2, mb.db.Resyncs())
}

func TestMoveMaxAge(t *testing.T) {
	mb := newMailbox(t, "INBOX", "Archive")
	mb.deliver(t, "INBOX/cur/old:2,S", "old@example.org", now.AddDate(0, -6, 0))
	mb.deliver(t, "INBOX/cur/recent:2,S", "recent@example.org", now.AddDate(0, 0, -5))
	mb.index(t, map[string][]string{
		"old@example.org":    {"archive"},
		"recent@example.org": {"archive"},
	})

	res, err := mb.mover(Options{MaxAge: 30}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Moved: 1}, res)
	expected := []string{"Archive/cur/recent:2,S", "INBOX/cur/old:2,S"}
	if diff := cmp.Diff(expected, mb.files(t)); diff != "" {
		t.Errorf("unexpected maildir contents (-want +got):\n%s", diff)
	}
}

func TestMoveOnlyTouchesSourceCopies(t *testing.T) {
	mb := newMailbox(t, "INBOX", "Lists", "Archive")
	mb.deliver(t, "INBOX/cur/dup:2,S", "dup@example.org", now)
	mb.deliver(t, "Lists/cur/dup-copy:2,S", "dup@example.org", now)
	mb.index(t, map[string][]string{"dup@example.org": {"archive"}})

	res, err := mb.mover(Options{}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Moved: 1}, res)
	expected := []string{"Archive/cur/dup:2,S", "Lists/cur/dup-copy:2,S"}
	if diff := cmp.Diff(expected, mb.files(t)); diff != "" {
		t.Errorf("unexpected maildir contents (-want +got):\n%s", diff)
	}
}

func TestMoveRename(t *testing.T) {
	mb := newMailbox(t, "INBOX")
	mb.deliver(t, "INBOX/cur/r1:2,RS", "r1@example.org", now)
	mb.deliver(t, "INBOX/new/r2", "r2@example.org", now)
	mb.index(t, map[string][]string{
		"r1@example.org": {"archive"},
		"r2@example.org": {"archive"},
	})

	res, err := mb.mover(Options{Rename: true}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Moved: 2}, res)

	files := mb.files(t)
	require.Len(t, files, 2)
	uuid := `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`
	assert.Regexp(t, regexp.MustCompile(`^Archive/cur/`+uuid+`:2,RS$`), files[0])
	assert.Regexp(t, regexp.MustCompile(`^Archive/new/`+uuid+`$`), files[1])
}

func TestMoveTemplateDestination(t *testing.T) {
	mb := newMailbox(t, "INBOX")
	mb.deliver(t, "INBOX/cur/a:2,S", "a@example.org", time.Date(2023, 3, 1, 12, 0, 0, 0, time.Local))
	mb.index(t, map[string][]string{"a@example.org": {"archive"}})

	res, err := mb.mover(Options{}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive/{{.Date.Year}}"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Moved: 1}, res)
	assert.Equal(t, []string{"Archive/2023/cur/a:2,S"}, mb.files(t))

	_, err = mb.mover(Options{}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive/{{.Date"}})
	assert.Error(t, err)
}

func TestMoveSkipsExisting(t *testing.T) {
	mb := newMailbox(t, "INBOX", "Archive")
	mb.deliver(t, "INBOX/cur/x:2,S", "x@example.org", now)
	mb.index(t, map[string][]string{"x@example.org": {"archive"}})
	mb.deliver(t, "Archive/cur/x:2,S", "x@example.org", now)

	res, err := mb.mover(Options{}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, []string{"Archive/cur/x:2,S", "INBOX/cur/x:2,S"}, mb.files(t))
	assert.Equal(t, 0, mb.db.Resyncs())
}

func TestMoveSameFolder(t *testing.T) {
	mb := newMailbox(t, "INBOX")
	mb.deliver(t, "INBOX/cur/s:2,S", "s@example.org", now)
	mb.index(t, map[string][]string{"s@example.org": {"inbox"}})

	res, err := mb.mover(Options{}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:inbox", Destination: "INBOX"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, []string{"INBOX/cur/s:2,S"}, mb.files(t))
}

func TestMoveAbortsWithoutDeleting(t *testing.T) {
	mb := newMailbox(t, "INBOX", "Archive")
	mb.deliver(t, "INBOX/cur/a:2,S", "a@example.org", now)
	mb.deliver(t, "INBOX/cur/b:2,S", "b@example.org", now)
	mb.index(t, map[string][]string{
		"a@example.org": {"archive"},
		"b@example.org": {"spam"},
	})
	// a regular file where the Spam maildir should be
	require.NoError(t, os.WriteFile(filepath.Join(mb.root, "Spam"), nil, 0o600))

	_, err := mb.mover(Options{}).Move(context.Background(), "INBOX", []Rule{
		{Query: "tag:archive", Destination: "Archive"},
		{Query: "tag:spam", Destination: "Spam"},
	})
	var fileErr *FileError
	require.True(t, errors.As(err, &fileErr), "%v", err)
	assert.Equal(t, []string{
		"Archive/cur/a:2,S",
		"INBOX/cur/a:2,S",
		"INBOX/cur/b:2,S",
		"Spam",
	}, mb.files(t))
	assert.Equal(t, 0, mb.db.Resyncs())
}

func TestMoveDryRun(t *testing.T) {
	mb := newMailbox(t, "INBOX")
	mb.deliver(t, "INBOX/cur/d:2,S", "d@example.org", now)
	mb.index(t, map[string][]string{"d@example.org": {"archive"}})

	res, err := mb.mover(Options{DryRun: true}).Move(context.Background(), "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Moved: 1}, res)
	assert.Equal(t, []string{"INBOX/cur/d:2,S"}, mb.files(t))
	assert.NoDirExists(t, filepath.Join(mb.root, "Archive"))
	assert.Equal(t, 0, mb.db.Resyncs())
}

func TestMoveCancelled(t *testing.T) {
	mb := newMailbox(t, "INBOX")
	mb.deliver(t, "INBOX/cur/c:2,S", "c@example.org", now)
	mb.index(t, map[string][]string{"c@example.org": {"archive"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mb.mover(Options{}).Move(ctx, "INBOX",
		[]Rule{{Query: "tag:archive", Destination: "Archive"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"INBOX/cur/c:2,S"}, mb.files(t))
}
