package filters

import (
	"time"

	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
)

type Stats struct {
	Messages int
	// Failed counts the messages whose changes were dropped because the
	// filter returned an error.
	Failed int
}

type disabler interface {
	Disabled() string
}

// Runner runs a filter and owns its pending changes.
type Runner struct {
	Filter Filter

	db  notmuch.Database
	buf *Buffer
	log log.Logger
	now func() time.Time
}

func NewRunner(env *Env, f Filter) *Runner {
	logger := log.NewLogger(f.Name(), 2)
	buf := NewBuffer(logger)
	buf.RetryFor = env.retryFor()
	buf.RetryDelay = env.retryDelay()
	return &Runner{
		Filter: f,
		db:     env.DB,
		buf:    buf,
		log:    logger,
		now:    env.now,
	}
}

func (r *Runner) Buffer() *Buffer {
	return r.buf
}

// Run stages the changes of the filter on every message matching query.
// An error returned by the filter for one message only discards the
// changes of that message.
func (r *Runner) Run(query string) (Stats, error) {
	var stats Stats
	r.buf.Reset()
	if d, ok := r.Filter.(disabler); ok && d.Disabled() != "" {
		r.log.Debugf("skipped: %s", d.Disabled())
		return stats, nil
	}
	r.log.Infof("%s", r.Filter.Description())
	if q, ok := r.Filter.Query(); ok {
		query = notmuch.And(query, q)
	}
	if err := r.db.Open(notmuch.ReadOnly); err != nil {
		return stats, err
	}
	start := r.now()
	msgs, err := r.db.Messages(query)
	if err != nil {
		return stats, err
	}
	defer msgs.Close()

	var msg notmuch.Message
	for msgs.Next(&msg) {
		stats.Messages++
		changes := newChanges(r.log)
		if err := r.Filter.HandleMessage(msg, changes); err != nil {
			stats.Failed++
			r.log.Warnf("id:%s: %v", msg.ID(), err)
			continue
		}
		r.buf.merge(changes.buf)
	}
	if err := msgs.Err(); err != nil {
		return stats, err
	}
	r.log.Debugf("%d messages in %s (query %q)",
		stats.Messages, r.now().Sub(start), query)
	return stats, nil
}

func (r *Runner) Commit(dryRun bool) error {
	return r.buf.Commit(r.db, dryRun)
}

// Chain runs filters in order. Each filter is committed before the next
// one runs, so that later filters see the tags of the earlier ones.
type Chain struct {
	Runners []*Runner
	db      notmuch.Database
}

func NewChain(env *Env, filters []Filter) *Chain {
	chain := &Chain{db: env.DB}
	for _, f := range filters {
		chain.Runners = append(chain.Runners, NewRunner(env, f))
	}
	return chain
}

// Run applies the whole chain to the messages matching query and closes
// the database afterwards.
func (c *Chain) Run(query string, dryRun bool) (Stats, error) {
	defer c.db.Close()
	return c.run(query, dryRun)
}

func (c *Chain) run(query string, dryRun bool) (Stats, error) {
	var total Stats
	for _, r := range c.Runners {
		stats, err := r.Run(query)
		total.Messages += stats.Messages
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
		if err := r.Commit(dryRun); err != nil {
			return total, err
		}
	}
	return total, nil
}
