package filters

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

func addressQuery(prefix string, addrs []string) string {
	terms := make([]string, 0, len(addrs))
	for _, a := range addrs {
		terms = append(terms, prefix+":"+notmuch.Quote(a))
	}
	return strings.Join(terms, " OR ")
}

var bareEmailRe = regexp.MustCompile(`[^<]*<(?P<email>[^@<>]+@[^@<>]+)>`)

// recipients returns the bare addresses of an address header.
func recipients(value string) []string {
	var emails []string
	if list, err := mail.ParseAddressList(value); err == nil {
		for _, a := range list {
			emails = append(emails, strings.ToLower(a.Address))
		}
		return emails
	}
	if !strings.Contains(value, "<") {
		return []string{strings.ToLower(strings.TrimSpace(value))}
	}
	if m := bareEmailRe.FindStringSubmatch(value); m != nil {
		emails = append(emails, strings.ToLower(m[1]))
	}
	return emails
}

// SentMails tags the messages sent by the user to somebody else.
type SentMails struct {
	*Base
	sentTag string
	// email -> tag, an empty tag means the local part of the email
	transforms map[string]string
}

func newSentMails(name string, params config.Params, env *Env) (Filter, error) {
	return NewSentMails(name, config.Merge(config.Params{
		"message": "Tagging all mails sent by myself to others",
	}, params), env)
}

func NewSentMails(name string, params config.Params, env *Env) (*SentMails, error) {
	base, err := NewBase(name, params)
	if err != nil {
		return nil, err
	}
	f := &SentMails{
		Base:       base,
		sentTag:    strings.TrimSpace(params.String("sent_tag", "")),
		transforms: make(map[string]string),
	}
	addrs := env.addresses()
	if len(addrs) == 0 {
		f.Disable("no email address configured in the notmuch [user] section")
	} else {
		f.setDefaultQuery("(" + addressQuery("from", addrs) +
			") AND NOT (" + addressQuery("to", addrs) + ")")
	}
	for _, rule := range strings.Fields(params.String("to_transforms", "")) {
		email, tag, _ := strings.Cut(rule, ":")
		if !strings.Contains(email, "@") {
			return nil, config.Errorf(name, "to_transforms: %q is not email[:tag]", rule)
		}
		f.transforms[strings.ToLower(email)] = tag
	}
	return f, nil
}

// recipientTag returns the tag of the first recipient with a transform.
func (f *SentMails) recipientTag(msg notmuch.Message) (string, error) {
	for _, header := range []string{"To", "Cc", "Bcc"} {
		value, err := msg.Header(header)
		if errors.Is(err, notmuch.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		for _, email := range recipients(value) {
			tag, ok := f.transforms[email]
			if !ok {
				continue
			}
			if tag == "" {
				tag, _, _ = strings.Cut(email, "@")
			}
			return tag, nil
		}
	}
	return "", nil
}

func (f *SentMails) HandleMessage(msg notmuch.Message, c *Changes) error {
	if f.sentTag != "" {
		c.AddTags(msg, f.sentTag)
	}
	if len(f.transforms) == 0 {
		return nil
	}
	tag, err := f.recipientTag(msg)
	if err != nil {
		return err
	}
	if tag != "" {
		c.AddTags(msg, tag)
	}
	return nil
}

// ArchiveSentMails is SentMails that also takes the new tags off sent
// messages, and optionally off their whole thread.
type ArchiveSentMails struct {
	*SentMails
	db       notmuch.Database
	newTags  []string
	isThread bool
}

func newArchiveSentMails(name string, params config.Params, env *Env) (Filter, error) {
	sent, err := NewSentMails(name, config.Merge(config.Params{
		"message": "Archiving all mails sent by myself to others",
	}, params), env)
	if err != nil {
		return nil, err
	}
	thread, err := params.Bool("archive_thread", false)
	if err != nil {
		return nil, config.Errorf(name, "%v", err)
	}
	return &ArchiveSentMails{
		SentMails: sent,
		db:        env.DB,
		newTags:   env.newTags(),
		isThread:  thread,
	}, nil
}

func (f *ArchiveSentMails) HandleMessage(msg notmuch.Message, c *Changes) error {
	if err := f.SentMails.HandleMessage(msg, c); err != nil {
		return err
	}
	c.RemoveTags(msg, f.newTags...)
	if !f.isThread || len(f.newTags) == 0 {
		return nil
	}
	thread, err := notmuch.Query(f.db, notmuch.And(threadQuery(msg), notmuch.NewQuery(f.newTags)))
	if err != nil {
		return err
	}
	for _, m := range thread {
		c.RemoveTags(m, f.newTags...)
	}
	return nil
}

// Me tags the messages addressed to the user.
type Me struct {
	*Base
	tag string
}

func newMe(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Tagging all mails sent directly to myself",
	}, params))
	if err != nil {
		return nil, err
	}
	f := &Me{
		Base: base,
		tag:  strings.TrimSpace(params.String("me_tag", "to-me")),
	}
	if addrs := env.addresses(); len(addrs) == 0 {
		f.Disable("no email address configured in the notmuch [user] section")
	} else {
		f.setDefaultQuery(addressQuery("to", addrs))
	}
	return f, nil
}

func (f *Me) HandleMessage(msg notmuch.Message, c *Changes) error {
	c.AddTags(msg, f.tag)
	return nil
}
