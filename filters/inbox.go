package filters

import (
	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

// Inbox moves new messages to the inbox, except for junk and killed
// threads.
type Inbox struct {
	*Base
	newTags []string
}

func newInbox(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message":        "Retags all messages not tagged as junk or killed as inbox",
		"tags":           "+inbox",
		"tags_blacklist": "killed;spam",
	}, params))
	if err != nil {
		return nil, err
	}
	base.setDefaultQuery(env.newQuery())
	if _, ok := base.Query(); !ok {
		base.Disable("no new tags configured in the notmuch [new] section")
	}
	return &Inbox{Base: base, newTags: env.newTags()}, nil
}

func (f *Inbox) HandleMessage(msg notmuch.Message, c *Changes) error {
	c.RemoveTags(msg, f.newTags...)
	f.Apply(msg, c)
	return nil
}
