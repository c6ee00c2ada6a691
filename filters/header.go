package filters

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

// HeaderMatching tags the messages whose header matches a regular
// expression. Named groups of the expression can be used in the tags as
// {name}. Expanded tags are lower-cased.
type HeaderMatching struct {
	*Base
	header  string
	pattern *regexp.Regexp
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

func newHeaderMatching(name string, params config.Params, env *Env) (Filter, error) {
	params = config.Merge(config.Params{
		"message": "Tagging based on specific header values matching a given RE",
	}, params)
	return NewHeaderMatching(name, params)
}

func NewHeaderMatching(name string, params config.Params) (*HeaderMatching, error) {
	base, err := NewBase(name, params)
	if err != nil {
		return nil, err
	}
	f := &HeaderMatching{
		Base:   base,
		header: strings.TrimSpace(params.String("header", "")),
	}
	pattern := params.String("pattern", "")
	if f.header == "" || pattern == "" {
		return nil, config.Errorf(name, "header and pattern are required")
	}
	f.pattern, err = regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, config.Errorf(name, "pattern: %v", err)
	}
	groups := make(map[string]bool)
	for _, g := range f.pattern.SubexpNames() {
		if g != "" {
			groups[g] = true
		}
	}
	for _, tag := range append(base.TagsToAdd(), base.TagsToRemove()...) {
		for _, m := range placeholderRe.FindAllStringSubmatch(tag, -1) {
			if !groups[m[1]] {
				return nil, config.Errorf(name,
					"tag %q: pattern has no group named %q", tag, m[1])
			}
		}
	}
	return f, nil
}

func (f *HeaderMatching) HandleMessage(msg notmuch.Message, c *Changes) error {
	if f.Blacklisted(msg) {
		return nil
	}
	value, err := msg.Header(f.header)
	if errors.Is(err, notmuch.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m := f.pattern.FindStringSubmatch(value)
	if m == nil {
		return nil
	}
	groups := make(map[string]string)
	for i, g := range f.pattern.SubexpNames() {
		if g != "" {
			groups[g] = m[i]
		}
	}
	expand := func(tags []string) []string {
		expanded := make([]string, 0, len(tags))
		for _, tag := range tags {
			tag = placeholderRe.ReplaceAllStringFunc(tag, func(p string) string {
				return groups[p[1:len(p)-1]]
			})
			expanded = append(expanded, strings.ToLower(tag))
		}
		return expanded
	}
	c.RemoveTags(msg, expand(f.TagsToRemove())...)
	c.AddTags(msg, expand(f.TagsToAdd())...)
	return nil
}

func newSpam(name string, params config.Params, env *Env) (Filter, error) {
	defaults := config.Params{
		"message": "Tagging spam messages",
		"header":  "X-Spam-Flag",
		"pattern": "YES",
		"tags":    "+spam",
	}
	// spam_tag predates tags
	if tag := strings.TrimSpace(params.String("spam_tag", "")); tag != "" {
		defaults["tags"] = "+" + tag
	}
	return NewHeaderMatching(name, config.Merge(defaults, params))
}

func newListMails(name string, params config.Params, env *Env) (Filter, error) {
	return NewHeaderMatching(name, config.Merge(config.Params{
		"message": "Tagging mailing list posts",
		"query":   "NOT tag:lists",
		"header":  "List-Id",
		"pattern": "<(?P<list_id>[a-z0-9!#$%&'*+/=?^_`{|}~-]+)\\.",
		"tags":    "+lists;+lists/{list_id}",
	}, params))
}
