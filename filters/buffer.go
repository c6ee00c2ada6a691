package filters

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
)

type tagSet map[string]struct{}

func (s tagSet) sorted() []string {
	tags := make([]string, 0, len(s))
	for t := range s {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Delta holds the pending tag operations of one message. A tag is never
// both added and removed: the last operation wins.
type Delta struct {
	adds    tagSet
	removes tagSet
	Flush   bool
}

func newDelta() *Delta {
	return &Delta{adds: make(tagSet), removes: make(tagSet)}
}

func (d *Delta) Adds() []string {
	return d.adds.sorted()
}

func (d *Delta) Removes() []string {
	return d.removes.sorted()
}

func (d *Delta) add(tags ...string) {
	for _, t := range tags {
		delete(d.removes, t)
		d.adds[t] = struct{}{}
	}
}

func (d *Delta) remove(tags ...string) {
	for _, t := range tags {
		delete(d.adds, t)
		d.removes[t] = struct{}{}
	}
}

// flush drops every tag the message had before the commit. Staged adds
// still apply on top of it.
func (d *Delta) flush() {
	d.Flush = true
}

func (d *Delta) empty() bool {
	return !d.Flush && len(d.adds) == 0 && len(d.removes) == 0
}

// Apply writes the delta to msg: flush first, then removals, then
// additions.
func (d *Delta) Apply(msg notmuch.Message) error {
	if d.Flush {
		if err := msg.RemoveAllTags(); err != nil {
			return err
		}
	}
	for _, t := range d.Removes() {
		if err := msg.RemoveTag(t); err != nil {
			return err
		}
	}
	for _, t := range d.Adds() {
		if err := msg.AddTag(t); err != nil {
			return err
		}
	}
	return nil
}

// Buffer accumulates the tag changes of a filter until they are
// committed.
type Buffer struct {
	RetryFor   time.Duration
	RetryDelay time.Duration

	deltas map[string]*Delta
	log    log.Logger
}

func NewBuffer(logger log.Logger) *Buffer {
	if logger == nil {
		logger = log.NewLogger("", 2)
	}
	return &Buffer{
		RetryFor:   notmuch.DefaultRetryFor,
		RetryDelay: notmuch.DefaultRetryDelay,
		deltas:     make(map[string]*Delta),
		log:        logger,
	}
}

func (b *Buffer) delta(id string) *Delta {
	d, ok := b.deltas[id]
	if !ok {
		d = newDelta()
		b.deltas[id] = d
	}
	return d
}

func (b *Buffer) Add(id string, tags ...string) {
	if len(tags) > 0 {
		b.delta(id).add(tags...)
	}
}

func (b *Buffer) Remove(id string, tags ...string) {
	if len(tags) > 0 {
		b.delta(id).remove(tags...)
	}
}

func (b *Buffer) Flush(id string) {
	b.delta(id).flush()
}

// Delta returns the pending changes of a message, or nil.
func (b *Buffer) Delta(id string) *Delta {
	return b.deltas[id]
}

// Dirty returns the sorted ids of the messages with pending changes.
func (b *Buffer) Dirty() []string {
	ids := make([]string, 0, len(b.deltas))
	for id, d := range b.deltas {
		if !d.empty() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (b *Buffer) Reset() {
	b.deltas = make(map[string]*Delta)
}

// merge replays other on top of b.
func (b *Buffer) merge(other *Buffer) {
	for id, d := range other.deltas {
		if d.Flush {
			b.Flush(id)
		}
		b.Remove(id, d.Removes()...)
		b.Add(id, d.Adds()...)
	}
}

// Commit writes every pending change to db. Nothing is opened when there
// is nothing to commit. In dry-run mode the changes are only counted and
// stay in the buffer.
func (b *Buffer) Commit(db notmuch.Database, dryRun bool) error {
	dirty := b.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	if dryRun {
		b.log.Infof("I would commit changes to %d messages", len(dirty))
		return nil
	}
	b.log.Infof("Committing changes to %d messages", len(dirty))
	err := notmuch.OpenRetry(db, notmuch.ReadWrite, b.RetryFor, b.RetryDelay)
	if err != nil {
		return err
	}
	for _, id := range dirty {
		msg, err := db.FindMessage(id)
		if errors.Is(err, notmuch.ErrNotFound) {
			b.log.Warnf("id:%s vanished from the database, skipping", id)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "id:%s", id)
		}
		if err := b.deltas[id].Apply(msg); err != nil {
			return errors.Wrapf(err, "id:%s", id)
		}
	}
	b.Reset()
	return nil
}

// Changes stages the tag operations of a single HandleMessage call. They
// only reach the filter's buffer when the call succeeds.
type Changes struct {
	buf *Buffer
	log log.Logger
}

func newChanges(logger log.Logger) *Changes {
	return &Changes{buf: NewBuffer(logger), log: logger}
}

func (c *Changes) AddTags(msg notmuch.Message, tags ...string) {
	if len(tags) == 0 {
		return
	}
	c.log.Debugf("Adding tags %s to id:%s", strings.Join(tags, ", "), msg.ID())
	c.buf.Add(msg.ID(), tags...)
}

func (c *Changes) RemoveTags(msg notmuch.Message, tags ...string) {
	if len(tags) == 0 {
		return
	}
	c.log.Debugf("Removing tags %s from id:%s", strings.Join(tags, ", "), msg.ID())
	c.buf.Remove(msg.ID(), tags...)
}

func (c *Changes) FlushTags(msg notmuch.Message) {
	c.log.Debugf("Removing all tags from id:%s", msg.ID())
	c.buf.Flush(msg.ID())
}

// Delta exposes the staged changes of a message.
func (c *Changes) Delta(id string) *Delta {
	return c.buf.Delta(id)
}
