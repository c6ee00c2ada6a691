package notmuch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/afewmail/afew/lib/log"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

const (
	DefaultRetryFor   = 180 * time.Second
	DefaultRetryDelay = 1 * time.Second
)

var (
	ErrNotFound = errors.New("not found")
	ErrTimeout  = errors.New("timed out opening the notmuch database")
	ErrClosed   = errors.New("notmuch database is not open")
)

// Message is a single indexed message. Tag mutations are only allowed while
// the owning Database is open read-write.
type Message interface {
	ID() string
	ThreadID() string
	Tags() []string
	// Header returns ErrNotFound when the message has no such header.
	Header(name string) (string, error)
	Filenames() []string
	Date() time.Time
	AddTag(tag string) error
	RemoveTag(tag string) error
	RemoveAllTags() error
	MaildirFlagsToTags() error
}

// Messages is a single pass iterator over query results. It cannot be
// restarted: use Collect when the results are needed more than once.
type Messages interface {
	Next(msg *Message) bool
	Err() error
	Close() error
}

type Database interface {
	Path() string
	Mode() Mode
	Open(mode Mode) error
	Close() error
	Messages(query string) (Messages, error)
	FindMessage(id string) (Message, error)
	// AddMessage indexes the file at path. When the message id is already
	// known, the existing message is returned with duplicate set.
	AddMessage(path string, syncFlags bool) (msg Message, duplicate bool, err error)
	RemoveMessage(path string) error
}

// OpenRetry opens db with the requested mode. Read-write opens are retried
// every retryDelay while another process holds the write lock, for at most
// retryFor.
func OpenRetry(db Database, mode Mode, retryFor, retryDelay time.Duration) error {
	if mode == ReadOnly {
		return db.Open(ReadOnly)
	}
	if db.Mode() == ReadWrite {
		return nil
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	start := time.Now()
	lastReport := start
	for {
		err := db.Open(ReadWrite)
		if err == nil {
			return nil
		}
		elapsed := time.Since(start)
		if elapsed >= retryFor {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, retryFor, err)
		}
		if time.Since(lastReport) >= 15*time.Second {
			log.Debugf("opening %s read-write failed, retrying for %s more: %v",
				db.Path(), (retryFor - elapsed).Round(time.Second), err)
			lastReport = time.Now()
		}
		time.Sleep(retryDelay)
	}
}

// Collect drains msgs into a slice and closes it.
func Collect(msgs Messages) ([]Message, error) {
	defer msgs.Close()
	var all []Message
	var msg Message
	for msgs.Next(&msg) {
		all = append(all, msg)
	}
	return all, msgs.Err()
}

// Query runs query against db and returns every match.
func Query(db Database, query string) ([]Message, error) {
	msgs, err := db.Messages(query)
	if err != nil {
		return nil, err
	}
	return Collect(msgs)
}

// Count returns the number of messages matching query.
func Count(db Database, query string) (int, error) {
	msgs, err := db.Messages(query)
	if err != nil {
		return 0, err
	}
	defer msgs.Close()
	n := 0
	var msg Message
	for msgs.Next(&msg) {
		n++
	}
	return n, msgs.Err()
}

// NewQuery matches the messages carrying every tag that `notmuch new`
// applies to fresh mail.
func NewQuery(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	terms := make([]string, 0, len(tags))
	for _, t := range tags {
		terms = append(terms, "tag:"+Quote(t))
	}
	return "(" + strings.Join(terms, " AND ") + ")"
}

// And intersects two queries, ignoring empty operands.
func And(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return "(" + a + ") AND (" + b + ")"
}

// Quote wraps a query term value in double quotes when it contains
// characters the notmuch query parser would otherwise split on.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"()") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// HasTag reports whether msg carries tag.
func HasTag(msg Message, tag string) bool {
	for _, t := range msg.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}
