// Package memdb is an in-memory notmuch index. It understands the query
// subset afew emits and can rescan a maildir tree the way `notmuch new`
// does, which makes it suitable for exercising filters and the mail mover
// without libnotmuch.
package memdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/afewmail/afew/lib/mailfile"
	"github.com/afewmail/afew/lib/notmuch"
)

var (
	ErrLocked   = errors.New("Unable to get write lock on the database")
	ErrReadOnly = errors.New("Cannot write to a read-only database")
)

type DB struct {
	// NewTags are applied to messages discovered by Rescan.
	NewTags []string

	mu      sync.Mutex
	root    string
	mode    notmuch.Mode
	open    bool
	locked  bool
	msgs    map[string]*Message
	order   []string
	opens   map[notmuch.Mode]int
	resyncs int
	threads int
}

func New(root string) *DB {
	return &DB{
		root:  root,
		msgs:  make(map[string]*Message),
		opens: make(map[notmuch.Mode]int),
	}
}

func (db *DB) Path() string {
	return db.root
}

func (db *DB) Mode() notmuch.Mode {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mode
}

// Lock simulates another process holding the write lock.
func (db *DB) Lock() {
	db.mu.Lock()
	db.locked = true
	db.mu.Unlock()
}

func (db *DB) Unlock() {
	db.mu.Lock()
	db.locked = false
	db.mu.Unlock()
}

func (db *DB) Open(mode notmuch.Mode) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.open && (db.mode == mode || db.mode == notmuch.ReadWrite) {
		return nil
	}
	if mode == notmuch.ReadWrite && db.locked {
		return ErrLocked
	}
	db.open = true
	db.mode = mode
	db.opens[mode]++
	return nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.open = false
	db.mode = notmuch.ReadOnly
	return nil
}

// Opens returns how many times the database was opened with mode.
func (db *DB) Opens(mode notmuch.Mode) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.opens[mode]
}

// Resyncs returns how many times Resync ran.
func (db *DB) Resyncs() int {
	return db.resyncs
}

func (db *DB) writable() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open || db.mode != notmuch.ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func (db *DB) isOpen() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.open
}

func (db *DB) folderOf(filename string) (string, bool) {
	return mailfile.FolderOf(db.root, filename)
}

// Add inserts msg as is, regardless of the open state.
func (db *DB) Add(msg *Message) {
	msg.db = db
	if msg.Thread == "" {
		db.threads++
		msg.Thread = fmt.Sprintf("%016x", db.threads)
	}
	if _, ok := db.msgs[msg.MessageID]; !ok {
		db.order = append(db.order, msg.MessageID)
	}
	db.msgs[msg.MessageID] = msg
}

// Get returns a message without going through the query machinery.
func (db *DB) Get(id string) *Message {
	return db.msgs[id]
}

func (db *DB) Messages(query string) (notmuch.Messages, error) {
	if !db.isOpen() {
		return nil, notmuch.ErrClosed
	}
	match, err := db.compile(query)
	if err != nil {
		return nil, err
	}
	var result []*Message
	for _, id := range db.order {
		if m, ok := db.msgs[id]; ok && match(m) {
			result = append(result, m)
		}
	}
	return &messages{msgs: result}, nil
}

func (db *DB) FindMessage(id string) (notmuch.Message, error) {
	if !db.isOpen() {
		return nil, notmuch.ErrClosed
	}
	m, ok := db.msgs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, notmuch.ErrNotFound)
	}
	return m, nil
}

func (db *DB) AddMessage(path string, syncFlags bool) (notmuch.Message, bool, error) {
	if err := db.writable(); err != nil {
		return nil, false, err
	}
	m, dup, err := db.index(path)
	if err != nil {
		return nil, false, err
	}
	if syncFlags {
		if err := m.MaildirFlagsToTags(); err != nil {
			return nil, false, err
		}
	}
	return m, dup, nil
}

func (db *DB) RemoveMessage(path string) error {
	if err := db.writable(); err != nil {
		return err
	}
	db.removeFile(path)
	return nil
}

func (db *DB) removeFile(path string) {
	for _, id := range db.order {
		m, ok := db.msgs[id]
		if !ok {
			continue
		}
		for i, f := range m.Files {
			if f != path {
				continue
			}
			m.Files = append(m.Files[:i], m.Files[i+1:]...)
			if len(m.Files) == 0 {
				db.forget(id)
			}
			return
		}
	}
}

func (db *DB) forget(id string) {
	delete(db.msgs, id)
	for i, o := range db.order {
		if o == id {
			db.order = append(db.order[:i], db.order[i+1:]...)
			break
		}
	}
}

// index parses the headers of the file at path and records it. Known
// message ids only gain the new file name.
func (db *DB) index(path string) (*Message, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	h, err := textproto.ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	id, err := mh.MessageID()
	if err != nil || id == "" {
		uniq, _, _ := mailfile.Split(path)
		if uniq == "" {
			uniq = filepath.Base(path)
		}
		id = "memdb-" + uniq
	}
	if m, ok := db.msgs[id]; ok {
		for _, existing := range m.Files {
			if existing == path {
				return m, true, nil
			}
		}
		m.Files = append(m.Files, path)
		return m, true, nil
	}

	m := &Message{
		MessageID: id,
		Headers:   make(map[string]string),
		Files:     []string{path},
	}
	fields := mh.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := m.Headers[key]; ok {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		m.Headers[key] = value
	}
	if date, err := mh.Date(); err == nil {
		m.Time = date
	}
	m.Thread = db.threadFor(mh)
	db.Add(m)
	return m, false, nil
}

func (db *DB) threadFor(h mail.Header) string {
	refs, _ := h.MsgIDList("In-Reply-To")
	more, _ := h.MsgIDList("References")
	refs = append(refs, more...)
	for _, ref := range refs {
		if parent, ok := db.msgs[ref]; ok {
			return parent.Thread
		}
	}
	return ""
}

// Rescan emulates `notmuch new`: every file below the root is indexed,
// fresh messages get NewTags and files that vanished are forgotten.
func (db *DB) Rescan() error {
	store, err := mailfile.NewStore(db.root)
	if err != nil {
		return err
	}
	folders, err := store.FolderMap()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[string]bool)
	for _, name := range names {
		dir := folders[name]
		for _, sub := range []string{"cur", "new"} {
			entries, err := os.ReadDir(filepath.Join(string(dir), sub))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				path := filepath.Join(string(dir), sub, e.Name())
				seen[path] = true
				m, dup, err := db.index(path)
				if err != nil {
					return err
				}
				if !dup {
					m.TagList = append(m.TagList, db.NewTags...)
				}
			}
		}
	}
	for _, id := range append([]string(nil), db.order...) {
		m, ok := db.msgs[id]
		if !ok {
			continue
		}
		for _, f := range append([]string(nil), m.Files...) {
			if !seen[f] {
				db.removeFile(f)
			}
		}
	}
	return nil
}

// Resync satisfies the mover's resynchronization hook.
func (db *DB) Resync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.resyncs++
	return db.Rescan()
}

type messages struct {
	msgs []*Message
	pos  int
}

func (m *messages) Next(msg *notmuch.Message) bool {
	if m.pos >= len(m.msgs) {
		return false
	}
	*msg = m.msgs[m.pos]
	m.pos++
	return true
}

func (m *messages) Err() error {
	return nil
}

func (m *messages) Close() error {
	m.msgs = nil
	return nil
}

// Message is an indexed message. The exported fields are meant for
// building fixtures.
type Message struct {
	MessageID string
	Thread    string
	TagList   []string
	Headers   map[string]string
	Files     []string
	Time      time.Time

	db *DB
}

func (m *Message) ID() string {
	return m.MessageID
}

func (m *Message) ThreadID() string {
	return m.Thread
}

func (m *Message) Tags() []string {
	tags := append([]string(nil), m.TagList...)
	sort.Strings(tags)
	return tags
}

func (m *Message) header(name string) string {
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (m *Message) Header(name string) (string, error) {
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, notmuch.ErrNotFound)
}

func (m *Message) Filenames() []string {
	return append([]string(nil), m.Files...)
}

func (m *Message) Date() time.Time {
	return m.Time
}

func (m *Message) hasTag(tag string) bool {
	for _, t := range m.TagList {
		if t == tag {
			return true
		}
	}
	return false
}

func (m *Message) checkWritable() error {
	if m.db == nil {
		return nil
	}
	return m.db.writable()
}

func (m *Message) AddTag(tag string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if !m.hasTag(tag) {
		m.TagList = append(m.TagList, tag)
	}
	return nil
}

func (m *Message) RemoveTag(tag string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	for i, t := range m.TagList {
		if t == tag {
			m.TagList = append(m.TagList[:i], m.TagList[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Message) RemoveAllTags() error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	m.TagList = nil
	return nil
}

// MaildirFlagsToTags syncs the flags of the first file that carries any.
func (m *Message) MaildirFlagsToTags() error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	for _, f := range m.Files {
		_, flags, err := mailfile.Split(f)
		if err != nil {
			continue
		}
		add, remove := mailfile.FlagTags(flags)
		for _, t := range remove {
			m.RemoveTag(t) //nolint:errcheck // checked above
		}
		for _, t := range add {
			m.AddTag(t) //nolint:errcheck // checked above
		}
		return nil
	}
	return nil
}
