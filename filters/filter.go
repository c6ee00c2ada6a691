package filters

import (
	"strings"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
)

// Filter is one rule of the tagging chain.
type Filter interface {
	Name() string
	// Description is logged each time the filter runs.
	Description() string
	// Query narrows the messages the filter is run on. It is combined with
	// the query given on the command line.
	Query() (string, bool)
	// HandleMessage stages tag changes for msg. Nothing staged reaches the
	// database when an error is returned.
	HandleMessage(msg notmuch.Message, c *Changes) error
}

// Base implements the generic tag rule. Every other filter embeds it for
// its name, query, tag actions and blacklist.
type Base struct {
	name        string
	description string
	query       string
	hasQuery    bool
	disabled    string
	adds        []string
	removes     []string
	blacklist   map[string]struct{}

	log log.Logger
}

// NewBase parses the common filter parameters: tags, tags_blacklist,
// query and message.
func NewBase(name string, params config.Params) (*Base, error) {
	b := &Base{
		name:        name,
		description: params.String("message", "No message specified for filter"),
		blacklist:   make(map[string]struct{}),
		log:         log.NewLogger(name, 2),
	}
	if q := strings.TrimSpace(params.String("query", "")); q != "" {
		b.query = q
		b.hasQuery = true
	}
	for _, action := range params.List("tags") {
		tag := action[1:]
		switch {
		case tag == "":
			return nil, config.Errorf(name, "tags: empty tag action %q", action)
		case action[0] == '+':
			b.adds = append(b.adds, tag)
		case action[0] == '-':
			b.removes = append(b.removes, tag)
		default:
			return nil, config.Errorf(name,
				"tags: %q must be preceded by either + or -", action)
		}
	}
	for _, tag := range params.List("tags_blacklist") {
		b.blacklist[tag] = struct{}{}
	}
	return b, nil
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Description() string {
	return b.description
}

func (b *Base) Query() (string, bool) {
	return b.query, b.hasQuery
}

// setDefaultQuery sets the query unless one was configured explicitly.
func (b *Base) setDefaultQuery(query string) {
	if !b.hasQuery && query != "" {
		b.query = query
		b.hasQuery = true
	}
}

// Disable makes the runner skip the filter altogether.
func (b *Base) Disable(reason string) {
	b.disabled = reason
	b.log.Warnf("disabled: %s", reason)
}

// Disabled returns why the filter was disabled, if it was.
func (b *Base) Disabled() string {
	return b.disabled
}

func (b *Base) Log() log.Logger {
	return b.log
}

func (b *Base) TagsToAdd() []string {
	return b.adds
}

func (b *Base) TagsToRemove() []string {
	return b.removes
}

// Blacklisted reports whether msg carries any of the blacklisted tags.
func (b *Base) Blacklisted(msg notmuch.Message) bool {
	if len(b.blacklist) == 0 {
		return false
	}
	for _, tag := range msg.Tags() {
		if _, ok := b.blacklist[tag]; ok {
			return true
		}
	}
	return false
}

// Apply stages the configured removals then additions, unless msg is
// blacklisted.
func (b *Base) Apply(msg notmuch.Message, c *Changes) {
	if b.Blacklisted(msg) {
		return
	}
	c.RemoveTags(msg, b.removes...)
	c.AddTags(msg, b.adds...)
}

func (b *Base) HandleMessage(msg notmuch.Message, c *Changes) error {
	b.Apply(msg, c)
	return nil
}
