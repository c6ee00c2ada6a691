package filters

import (
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

const (
	dkimHeader               = "DKIM-Signature"
	maxParallelVerifications = 4
)

// DKIMValidity verifies the DKIM signature of every copy of signed
// messages. Verification problems of any kind are reported as a failure
// tag, never as an error.
type DKIMValidity struct {
	*Base
	okTag   string
	failTag string
	opts    *dkim.VerifyOptions
}

func newDKIMValidity(name string, params config.Params, env *Env) (Filter, error) {
	base, err := NewBase(name, config.Merge(config.Params{
		"message": "Verify DKIM signature",
	}, params))
	if err != nil {
		return nil, err
	}
	return &DKIMValidity{
		Base:    base,
		okTag:   strings.TrimSpace(params.String("ok_tag", "dkim-ok")),
		failTag: strings.TrimSpace(params.String("fail_tag", "dkim-fail")),
		opts:    env.dkimOptions(),
	}, nil
}

// verifyFile checks the topmost signature of the message at path.
func (f *DKIMValidity) verifyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	verifications, err := dkim.VerifyWithOptions(file, f.opts)
	if err != nil {
		return errors.Wrap(err, path)
	}
	if len(verifications) == 0 {
		return errors.Errorf("%s: no signature", path)
	}
	if v := verifications[0]; v.Err != nil {
		return errors.Wrapf(v.Err, "%s: d=%s", path, v.Domain)
	}
	return nil
}

func (f *DKIMValidity) HandleMessage(msg notmuch.Message, c *Changes) error {
	_, err := msg.Header(dkimHeader)
	if errors.Is(err, notmuch.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(maxParallelVerifications)
	for _, path := range msg.Filenames() {
		path := path
		g.Go(func() error {
			return f.verifyFile(path)
		})
	}
	if err := g.Wait(); err != nil {
		f.Log().Warnf("id:%s: %v", msg.ID(), err)
		c.AddTags(msg, f.failTag)
		return nil
	}
	c.AddTags(msg, f.okTag)
	return nil
}
