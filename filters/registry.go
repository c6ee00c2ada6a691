package filters

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
)

// Env is what filters need to know about the outside world.
type Env struct {
	DB      notmuch.Database
	Notmuch *config.Notmuch
	// MailRoot is the maildir root of the database.
	MailRoot string
	Now      func() time.Time
	// LookupTXT resolves DKIM public keys. It defaults to the system
	// resolver.
	LookupTXT  func(domain string) ([]string, error)
	RetryFor   time.Duration
	RetryDelay time.Duration
}

func NewEnv(db notmuch.Database, nm *config.Notmuch) *Env {
	env := &Env{DB: db, Notmuch: nm}
	if nm != nil {
		env.MailRoot = nm.DatabasePath
	}
	return env
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) retryFor() time.Duration {
	if e.RetryFor > 0 {
		return e.RetryFor
	}
	return notmuch.DefaultRetryFor
}

func (e *Env) retryDelay() time.Duration {
	if e.RetryDelay > 0 {
		return e.RetryDelay
	}
	return notmuch.DefaultRetryDelay
}

func (e *Env) newTags() []string {
	if e.Notmuch == nil {
		return nil
	}
	return e.Notmuch.NewTags
}

func (e *Env) newQuery() string {
	return notmuch.NewQuery(e.newTags())
}

func (e *Env) addresses() []string {
	if e.Notmuch == nil {
		return nil
	}
	return e.Notmuch.Addresses()
}

func (e *Env) dkimOptions() *dkim.VerifyOptions {
	return &dkim.VerifyOptions{LookupTXT: e.LookupTXT}
}

// Constructor builds a filter from its section parameters. name is the
// section title, used for logging.
type Constructor func(name string, params config.Params, env *Env) (Filter, error)

// Registry maps filter type names to constructors.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns a registry holding every built-in filter.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register("Filter", newGeneric)
	r.Register("HeaderMatchingFilter", newHeaderMatching)
	r.Register("SpamFilter", newSpam)
	r.Register("ListMailsFilter", newListMails)
	r.Register("FolderNameFilter", newFolderName)
	r.Register("KillThreadsFilter", newKillThreads)
	r.Register("PropagateTagsInThreadFilter", newPropagateTags)
	r.Register("PropagateTagsByRegexInThreadFilter", newPropagateTagsByRegex)
	r.Register("SentMailsFilter", newSentMails)
	r.Register("ArchiveSentMailsFilter", newArchiveSentMails)
	r.Register("MeFilter", newMe)
	r.Register("InboxFilter", newInbox)
	r.Register("DKIMValidityFilter", newDKIMValidity)
	r.Register("DMARCReportInspectionFilter", newDMARCReportInspection)
	r.Register("AuthResultsFilter", newAuthResults)
	return r
}

func (r *Registry) Register(name string, ctor Constructor) {
	r.ctors[name] = ctor
}

func (r *Registry) Has(name string) bool {
	_, ok := r.ctors[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Define registers name as parent with params as its defaults.
// Parameters given when instantiating name override them.
func (r *Registry) Define(name, parent string, params config.Params) error {
	ctor, ok := r.ctors[parent]
	if !ok {
		return config.Errorf(name+"("+parent+")", "unknown parent filter %q", parent)
	}
	defaults := config.Merge(nil, params)
	r.ctors[name] = func(title string, p config.Params, env *Env) (Filter, error) {
		return ctor(title, config.Merge(defaults, p), env)
	}
	log.Debugf("defined filter %s(%s)", name, parent)
	return nil
}

func (r *Registry) New(name, title string, params config.Params, env *Env) (Filter, error) {
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, config.Errorf(title, "unknown filter %q, known filters: %s",
			name, strings.Join(r.Names(), ", "))
	}
	if params == nil {
		params = make(config.Params)
	}
	return ctor(title, params, env)
}

// Build instantiates the filter chain of cfg, in the order of its
// sections.
func (r *Registry) Build(cfg *config.Config, env *Env) ([]Filter, error) {
	var filters []Filter
	for _, s := range cfg.Sections {
		if s.Parent != "" {
			if err := r.Define(s.Name, s.Parent, s.Params); err != nil {
				return nil, err
			}
			continue
		}
		f, err := r.New(s.Name, s.Title(), s.Params, env)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// Enable instantiates the named filters with their default parameters.
// Filter types defined in cfg may be named as well.
func (r *Registry) Enable(cfg *config.Config, names []string, env *Env) ([]Filter, error) {
	if cfg != nil {
		for _, s := range cfg.Sections {
			if s.Parent == "" {
				continue
			}
			if err := r.Define(s.Name, s.Parent, s.Params); err != nil {
				return nil, err
			}
		}
	}
	var unknown []string
	for _, name := range names {
		if !r.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, &config.Error{
			Msg: "Unknown filter(s) selected: " + strings.Join(unknown, ", "),
		}
	}
	var filters []Filter
	for _, name := range names {
		f, err := r.New(name, name, nil, env)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func newGeneric(name string, params config.Params, env *Env) (Filter, error) {
	return NewBase(name, params)
}
