package filters

import (
	"regexp"
	"strings"

	"github.com/danwakefield/fnmatch"
	"github.com/google/shlex"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch"
)

// FolderName tags messages with the names of the maildirs they are
// stored in.
type FolderName struct {
	*Base
	filename   *regexp.Regexp
	separator  string
	blacklist  []string
	explicit   map[string]bool
	transforms map[string]string
	lowercase  bool
}

func newFolderName(name string, params config.Params, env *Env) (Filter, error) {
	params = config.Merge(config.Params{
		"message": "Tags all new messages with their folder",
	}, params)
	base, err := NewBase(name, params)
	if err != nil {
		return nil, err
	}
	if env.MailRoot == "" {
		return nil, config.Errorf(name, "unknown mail root")
	}
	root := strings.TrimRight(env.MailRoot, "/")
	f := &FolderName{
		Base: base,
		filename: regexp.MustCompile(
			"^" + regexp.QuoteMeta(root) + "/(?P<maildirs>.*)/(cur|new)/[^/]+$"),
		separator:  params.String("maildir_separator", "."),
		blacklist:  strings.Fields(params.String("folder_blacklist", "")),
		transforms: make(map[string]string),
		lowercase:  strings.TrimSpace(params.String("folder_lowercases", "")) != "",
	}
	if f.separator == "" {
		return nil, config.Errorf(name, "maildir_separator: must not be empty")
	}
	if v := params.String("folder_explicit_list", ""); v != "" {
		folders, err := shlex.Split(v)
		if err != nil {
			return nil, config.Errorf(name, "folder_explicit_list: %v", err)
		}
		f.explicit = make(map[string]bool)
		for _, folder := range folders {
			f.explicit[folder] = true
		}
	}
	rules, err := shlex.Split(params.String("folder_transforms", ""))
	if err != nil {
		return nil, config.Errorf(name, "folder_transforms: %v", err)
	}
	for _, rule := range rules {
		i := strings.LastIndex(rule, ":")
		if i <= 0 {
			return nil, config.Errorf(name,
				"folder_transforms: %q is not folder:tag", rule)
		}
		f.transforms[rule[:i]] = rule[i+1:]
	}
	return f, nil
}

func (f *FolderName) blacklisted(folder string) bool {
	for _, pattern := range f.blacklist {
		if fnmatch.Match(pattern, folder, 0) {
			return true
		}
	}
	return false
}

// Folders returns the folder names derived from the files of msg.
func (f *FolderName) Folders(msg notmuch.Message) []string {
	seen := make(map[string]bool)
	var folders []string
	for _, filename := range msg.Filenames() {
		m := f.filename.FindStringSubmatch(filename)
		if m == nil || m[1] == "" {
			continue
		}
		for _, folder := range strings.Split(m[1], f.separator) {
			if folder == "" || f.blacklisted(folder) {
				continue
			}
			if f.explicit != nil && !f.explicit[folder] {
				continue
			}
			if t, ok := f.transforms[folder]; ok {
				folder = t
			}
			if f.lowercase {
				folder = strings.ToLower(folder)
			}
			if folder != "" && !seen[folder] {
				seen[folder] = true
				folders = append(folders, folder)
			}
		}
	}
	return folders
}

func (f *FolderName) HandleMessage(msg notmuch.Message, c *Changes) error {
	folders := f.Folders(msg)
	f.Log().Debugf("found folders: %s", strings.Join(folders, ", "))
	c.AddTags(msg, folders...)
	return nil
}
