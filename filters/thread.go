package filters

import (
	"regexp"
	"strings"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

func threadQuery(msg notmuch.Message) string {
	return "thread:" + notmuch.Quote(msg.ThreadID())
}

// KillThreads tags killed every message of a thread in which one message
// is already killed.
type KillThreads struct {
	*Base
	db notmuch.Database
}

func newKillThreads(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Looking for messages in killed threads",
		"query":   "NOT tag:killed",
	}, params))
	if err != nil {
		return nil, err
	}
	return &KillThreads{Base: base, db: env.DB}, nil
}

func (f *KillThreads) HandleMessage(msg notmuch.Message, c *Changes) error {
	n, err := notmuch.Count(f.db, threadQuery(msg)+" AND tag:killed")
	if err != nil {
		return err
	}
	if n > 0 {
		c.AddTags(msg, "killed")
	}
	return nil
}

// PropagateTags copies a fixed list of tags to a message when another
// message of its thread carries them.
type PropagateTags struct {
	*Base
	db     notmuch.Database
	tags   []string
	filter string
}

func newPropagateTags(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Propagating tags in thread",
	}, params))
	if err != nil {
		return nil, err
	}
	f := &PropagateTags{
		Base:   base,
		db:     env.DB,
		tags:   params.List("propagate_tags"),
		filter: strings.TrimSpace(params.String("filter", "")),
	}
	if len(f.tags) == 0 {
		return nil, config.Errorf(name, "propagate_tags: no tag to propagate")
	}
	return f, nil
}

func (f *PropagateTags) HandleMessage(msg notmuch.Message, c *Changes) error {
	thread := notmuch.And(threadQuery(msg), f.filter)
	for _, tag := range f.tags {
		n, err := notmuch.Count(f.db, notmuch.And(thread, "is:"+notmuch.Quote(tag)))
		if err != nil {
			return err
		}
		if n > 0 {
			c.AddTags(msg, tag)
		}
	}
	return nil
}

// PropagateTagsByRegex copies to a message every tag of its thread that
// fully matches a regular expression.
type PropagateTagsByRegex struct {
	*Base
	db      notmuch.Database
	pattern *regexp.Regexp
	filter  string
}

func newPropagateTagsByRegex(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Propagating tags in thread",
	}, params))
	if err != nil {
		return nil, err
	}
	pattern := params.String("propagate_tags", "")
	if pattern == "" {
		return nil, config.Errorf(name, "propagate_tags: regular expression required")
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, config.Errorf(name, "propagate_tags: %v", err)
	}
	return &PropagateTagsByRegex{
		Base:    base,
		db:      env.DB,
		pattern: re,
		filter:  strings.TrimSpace(params.String("filter", "")),
	}, nil
}

func (f *PropagateTagsByRegex) HandleMessage(msg notmuch.Message, c *Changes) error {
	thread, err := notmuch.Query(f.db, notmuch.And(threadQuery(msg), f.filter))
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var tags []string
	for _, m := range thread {
		for _, tag := range m.Tags() {
			if !seen[tag] && f.pattern.MatchString(tag) {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	c.AddTags(msg, tags...)
	return nil
}
