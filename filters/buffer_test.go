package filters

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
	"github.com/afewmail/afew/lib/notmuch/memdb"
)

func testDB(t *testing.T) *memdb.DB {
	t.Helper()
	db := memdb.New("/mail")
	db.Add(&memdb.Message{
		MessageID: "a@example.com",
		Thread:    "t1",
		TagList:   []string{"new", "unread"},
		Headers: map[string]string{
			"From":        "Bob <bob@example.org>",
			"To":          "alice@example.com",
			"Subject":     "hello",
			"X-Spam-Flag": "NO",
			"List-Id":     "Go Nuts <Golang-Nuts.googlegroups.com>",
		},
		Files: []string{"/mail/INBOX/cur/a:2,"},
	})
	db.Add(&memdb.Message{
		MessageID: "b@example.com",
		Thread:    "t1",
		TagList:   []string{"killed", "new"},
		Headers: map[string]string{
			"From":        "Alice <alice@example.com>",
			"To":          "Bob <bob@example.org>",
			"Subject":     "Re: hello",
			"X-Spam-Flag": "yes",
		},
		Files: []string{"/mail/Sent/cur/b:2,S"},
	})
	db.Add(&memdb.Message{
		MessageID: "c@example.com",
		Thread:    "t2",
		TagList:   []string{"new"},
		Headers: map[string]string{
			"From":    "Carol <carol@example.net>",
			"To":      "team@example.net",
			"Cc":      "Alice <alice@work.example>",
			"Subject": "meeting",
		},
		Files: []string{"/mail/Projects.X/new/c"},
	})
	return db
}

func testEnv(db notmuch.Database) *Env {
	return &Env{
		DB: db,
		Notmuch: &config.Notmuch{
			DatabasePath: "/mail",
			NewTags:      []string{"new"},
			PrimaryEmail: "alice@example.com",
			OtherEmail:   []string{"alice@work.example"},
		},
		MailRoot:   "/mail",
		RetryFor:   50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	}
}

func tagsOf(db *memdb.DB, id string) []string {
	return db.Get(id).Tags()
}

func TestDeltaLastWriterWins(t *testing.T) {
	tests := []struct {
		name    string
		ops     func(b *Buffer)
		adds    []string
		removes []string
	}{
		{
			name:    "add then remove",
			ops:     func(b *Buffer) { b.Add("x", "a"); b.Remove("x", "a") },
			adds:    []string{},
			removes: []string{"a"},
		},
		{
			name:    "remove then add",
			ops:     func(b *Buffer) { b.Remove("x", "a", "b"); b.Add("x", "a") },
			adds:    []string{"a"},
			removes: []string{"b"},
		},
		{
			name:    "duplicates",
			ops:     func(b *Buffer) { b.Add("x", "a", "a"); b.Add("x", "a") },
			adds:    []string{"a"},
			removes: []string{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := NewBuffer(nil)
			test.ops(b)
			d := b.Delta("x")
			require.NotNil(t, d)
			assert.Equal(t, test.adds, d.Adds())
			assert.Equal(t, test.removes, d.Removes())
		})
	}
}

func TestCommitAppliesRemovesThenAdds(t *testing.T) {
	db := testDB(t)
	b := NewBuffer(nil)
	b.RetryFor = 50 * time.Millisecond
	b.Remove("a@example.com", "new", "inbox")
	b.Add("a@example.com", "inbox", "lists")
	b.Remove("a@example.com", "lists")
	b.Add("a@example.com", "seen")

	require.NoError(t, b.Commit(db, false))
	// (original - removes) + adds
	assert.Equal(t, []string{"inbox", "seen", "unread"}, tagsOf(db, "a@example.com"))
	assert.Empty(t, b.Dirty())
}

func TestCommitFlush(t *testing.T) {
	tests := []struct {
		name string
		ops  func(b *Buffer, id string)
		tags []string
	}{
		{
			name: "flush only",
			ops:  func(b *Buffer, id string) { b.Flush(id) },
		},
		{
			name: "add before flush",
			ops: func(b *Buffer, id string) {
				b.Add(id, "early")
				b.Flush(id)
			},
			tags: []string{"early"},
		},
		{
			name: "add around flush",
			ops: func(b *Buffer, id string) {
				b.Add(id, "early")
				b.Flush(id)
				b.Add(id, "late")
			},
			tags: []string{"early", "late"},
		},
		{
			name: "remove after flush",
			ops: func(b *Buffer, id string) {
				b.Add(id, "early", "late")
				b.Flush(id)
				b.Remove(id, "late")
			},
			tags: []string{"early"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			db := testDB(t)
			b := NewBuffer(nil)
			test.ops(b, "b@example.com")
			require.NoError(t, b.Commit(db, false))
			assert.Equal(t, test.tags, tagsOf(db, "b@example.com"))
		})
	}
}

func TestCommitDryRun(t *testing.T) {
	db := testDB(t)
	b := NewBuffer(nil)
	b.Add("a@example.com", "inbox")
	b.Remove("a@example.com", "new")

	require.NoError(t, b.Commit(db, true))
	assert.Equal(t, []string{"new", "unread"}, tagsOf(db, "a@example.com"))
	assert.Equal(t, 0, db.Opens(notmuch.ReadWrite))
	assert.Equal(t, []string{"a@example.com"}, b.Dirty())
}

func TestCommitTwice(t *testing.T) {
	db := testDB(t)
	b := NewBuffer(nil)
	b.Add("a@example.com", "inbox")
	require.NoError(t, b.Commit(db, false))
	require.NoError(t, db.Close())
	db.Lock()
	require.NoError(t, b.Commit(db, false))
	assert.Equal(t, 1, db.Opens(notmuch.ReadWrite))
}

func TestCommitEmptyNeverOpens(t *testing.T) {
	db := testDB(t)
	db.Lock()
	b := NewBuffer(nil)
	require.NoError(t, b.Commit(db, false))
	assert.Equal(t, 0, db.Opens(notmuch.ReadWrite))
}

func TestCommitTimeout(t *testing.T) {
	db := testDB(t)
	db.Lock()
	b := NewBuffer(nil)
	b.RetryFor = 30 * time.Millisecond
	b.RetryDelay = 5 * time.Millisecond
	b.Add("a@example.com", "inbox")
	err := b.Commit(db, false)
	assert.True(t, errors.Is(err, notmuch.ErrTimeout), "%v", err)
	assert.Equal(t, []string{"a@example.com"}, b.Dirty())
}

func TestCommitSkipsVanishedMessages(t *testing.T) {
	db := testDB(t)
	b := NewBuffer(nil)
	b.Add("gone@example.com", "inbox")
	b.Add("a@example.com", "inbox")
	require.NoError(t, b.Commit(db, false))
	assert.Contains(t, tagsOf(db, "a@example.com"), "inbox")
}
