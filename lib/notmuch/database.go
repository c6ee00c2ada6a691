//go:build notmuch
// +build notmuch

package notmuch

import (
	"errors"
	"fmt"
	"time"

	notmuch "github.com/zenhack/go.notmuch"

	"github.com/afewmail/afew/lib/log"
)

// DB is a Database backed by libnotmuch.
type DB struct {
	path string
	mode Mode
	db   *notmuch.DB
}

func NewDB(path string) (*DB, error) {
	return &DB{path: path}, nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Mode() Mode {
	return db.mode
}

// Open (re)connects to the database. Switching modes closes the current
// handle first, which commits any pending changes.
func (db *DB) Open(mode Mode) error {
	if db.db != nil {
		if db.mode == mode || db.mode == ReadWrite {
			return nil
		}
		if err := db.Close(); err != nil {
			log.Warnf("failed to close the notmuch db: %v", err)
		}
	}
	var m notmuch.DBMode = notmuch.DBReadOnly
	if mode == ReadWrite {
		m = notmuch.DBReadWrite
	}
	ndb, err := notmuch.Open(db.path, m)
	if err != nil {
		return fmt.Errorf("could not connect to notmuch db: %w", err)
	}
	db.db = ndb
	db.mode = mode
	return nil
}

func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	db.mode = ReadOnly
	return err
}

func (db *DB) Messages(query string) (Messages, error) {
	if db.db == nil {
		return nil, ErrClosed
	}
	if query == "" {
		query = "*"
	}
	q := db.db.NewQuery(query)
	msgs, err := q.Messages()
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("%q: %w", query, err)
	}
	return &messages{query: q, msgs: msgs}, nil
}

func (db *DB) FindMessage(id string) (Message, error) {
	if db.db == nil {
		return nil, ErrClosed
	}
	msg, err := db.db.FindMessage(id)
	if errors.Is(err, notmuch.ErrNotFound) || (err == nil && msg == nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &message{msg: msg}, nil
}

func (db *DB) AddMessage(path string, syncFlags bool) (Message, bool, error) {
	if db.db == nil {
		return nil, false, ErrClosed
	}
	msg, err := db.db.AddMessage(path)
	duplicate := errors.Is(err, notmuch.ErrDuplicateMessageID)
	if err != nil && !duplicate {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	m := &message{msg: msg}
	if syncFlags {
		if err := m.MaildirFlagsToTags(); err != nil {
			log.Warnf("%s: could not sync maildir flags: %v", path, err)
		}
	}
	return m, duplicate, nil
}

func (db *DB) RemoveMessage(path string) error {
	if db.db == nil {
		return ErrClosed
	}
	err := db.db.RemoveMessage(path)
	if errors.Is(err, notmuch.ErrDuplicateMessageID) {
		// other files of the message remain indexed
		return nil
	}
	return err
}

type messages struct {
	query *notmuch.Query
	msgs  *notmuch.Messages
}

func (m *messages) Next(msg *Message) bool {
	var nm *notmuch.Message
	if !m.msgs.Next(&nm) {
		return false
	}
	*msg = &message{msg: nm}
	return true
}

func (m *messages) Err() error {
	return nil
}

func (m *messages) Close() error {
	m.msgs.Close()
	return m.query.Close()
}

type message struct {
	msg *notmuch.Message
}

func (m *message) ID() string {
	return m.msg.ID()
}

func (m *message) ThreadID() string {
	return m.msg.ThreadID()
}

func (m *message) Tags() []string {
	var tags []string
	ts := m.msg.Tags()
	defer ts.Close()
	var tag *notmuch.Tag
	for ts.Next(&tag) {
		tags = append(tags, tag.Value)
	}
	return tags
}

func (m *message) Header(name string) (string, error) {
	value := m.msg.Header(name)
	if value == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

func (m *message) Filenames() []string {
	var names []string
	fns := m.msg.Filenames()
	defer fns.Close()
	var name string
	for fns.Next(&name) {
		names = append(names, name)
	}
	return names
}

func (m *message) Date() time.Time {
	return m.msg.Date()
}

func (m *message) AddTag(tag string) error {
	return m.msg.AddTag(tag)
}

func (m *message) RemoveTag(tag string) error {
	return m.msg.RemoveTag(tag)
}

func (m *message) RemoveAllTags() error {
	return m.msg.RemoveAllTags()
}

func (m *message) MaildirFlagsToTags() error {
	return m.msg.MaildirFlagsToTags()
}
