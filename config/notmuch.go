package config

import (
	"strings"

	"github.com/go-ini/ini"

	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
	"github.com/afewmail/afew/lib/xdg"
)

// Notmuch holds the settings afew reads from the notmuch configuration.
type Notmuch struct {
	// Path of the notmuch configuration file, passed on to `notmuch new`.
	Path         string
	DatabasePath string
	NewTags      []string
	PrimaryEmail string
	OtherEmail   []string
}

type notmuchDatabase struct {
	Path string `ini:"path"`
}

type notmuchNew struct {
	Tags string `ini:"tags"`
}

type notmuchUser struct {
	PrimaryEmail string `ini:"primary_email"`
	OtherEmail   string `ini:"other_email"`
}

func LoadNotmuch(path string) (*Notmuch, error) {
	if path == "" {
		path = xdg.NotmuchConfigPath()
	}
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}, path)
	if err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	nm, err := parseNotmuch(file)
	if err != nil {
		return nil, err
	}
	nm.Path = path
	return nm, nil
}

func parseNotmuch(file *ini.File) (*Notmuch, error) {
	var db notmuchDatabase
	var nw notmuchNew
	var user notmuchUser
	for name, v := range map[string]any{
		"database": &db,
		"new":      &nw,
		"user":     &user,
	} {
		if err := file.Section(name).MapTo(v); err != nil {
			return nil, Errorf(name, "%v", err)
		}
	}

	nm := &Notmuch{
		PrimaryEmail: strings.TrimSpace(user.PrimaryEmail),
		OtherEmail:   SplitList(user.OtherEmail),
	}
	if db.Path == "" {
		nm.DatabasePath = xdg.MailRoot()
	} else {
		nm.DatabasePath = xdg.HomeRelative(db.Path)
	}
	// unread is left to the maildir flags
	for _, tag := range SplitList(nw.Tags) {
		if tag != "unread" {
			nm.NewTags = append(nm.NewTags, tag)
		}
	}
	log.Debugf("notmuch config: %#v", nm)
	return nm, nil
}

// NewQuery matches the messages `notmuch new` just tagged.
func (n *Notmuch) NewQuery() string {
	return notmuch.NewQuery(n.NewTags)
}

// Addresses returns every configured address of the user.
func (n *Notmuch) Addresses() []string {
	var addrs []string
	if n.PrimaryEmail != "" {
		addrs = append(addrs, n.PrimaryEmail)
	}
	return append(addrs, n.OtherEmail...)
}
