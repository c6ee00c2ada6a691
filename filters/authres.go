package filters

import (
	"bufio"
	"os"
	"regexp"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/authres"
	"github.com/afewmail/afew/lib/notmuch"
)

// AuthResults turns the Authentication-Results added by trusted servers
// into auth/<method>-<result> tags.
type AuthResults struct {
	*Base
	trust *authres.Trust
}

func newAuthResults(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Tagging authentication results of trusted servers",
	}, params))
	if err != nil {
		return nil, err
	}
	ids := params.List("trusted")
	if len(ids) == 0 {
		host, err := os.Hostname()
		if err != nil {
			return nil, config.Errorf(name, "trusted: %v", err)
		}
		ids = []string{regexp.QuoteMeta(host)}
	}
	trust, err := authres.NewTrust(ids)
	if err != nil {
		return nil, config.Errorf(name, "trusted: %v", err)
	}
	return &AuthResults{Base: base, trust: trust}, nil
}

func readHeader(path string) (*mail.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := textproto.ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return &mail.Header{Header: message.Header{Header: h}}, nil
}

// Tags returns the tags describing the authentication results of msg.
func (f *AuthResults) Tags(msg notmuch.Message) ([]string, error) {
	files := msg.Filenames()
	if len(files) == 0 {
		return nil, nil
	}
	h, err := readHeader(files[0])
	if err != nil {
		return nil, err
	}
	results, err := authres.Parse(h, f.trust)
	if err != nil {
		f.Log().Debugf("id:%s: %v", msg.ID(), err)
		return nil, nil
	}
	seen := make(map[string]bool)
	var tags []string
	for _, r := range results {
		tag := "auth/" + string(r.Method) + "-" + string(r.Value)
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func (f *AuthResults) HandleMessage(msg notmuch.Message, c *Changes) error {
	if f.Blacklisted(msg) {
		return nil
	}
	tags, err := f.Tags(msg)
	if err != nil {
		return err
	}
	c.AddTags(msg, tags...)
	return nil
}
