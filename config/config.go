package config

import (
	"errors"
	"io/fs"
	"regexp"

	"github.com/go-ini/ini"
	"github.com/google/shlex"

	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/xdg"
)

const (
	globalSection = "global"
	moverSection  = "MailMover"
	watchSection  = "Watch"
)

// Section is one filter section of the configuration file. A section either
// enables a filter in the chain, or, when Parent is set, defines a new
// filter type derived from Parent without enabling it.
type Section struct {
	Name   string
	Parent string
	Index  string
	Params Params
}

func (s *Section) Title() string {
	switch {
	case s.Parent != "":
		return s.Name + "(" + s.Parent + ")"
	case s.Index != "":
		return s.Name + "." + s.Index
	}
	return s.Name
}

type WatchConfig struct {
	Ignore []string
}

type Config struct {
	Path     string
	Sections []Section
	// Default is set when the file defines no filter section at all.
	Default bool
	Watch   WatchConfig

	file *ini.File
}

var sectionRe = regexp.MustCompile(`(?i)^(?P<name>[a-z_][a-z0-9_]*)(\((?P<parent>[a-z_][a-z0-9_]*)\)|\.(?P<index>\d+))?$`)

// DefaultChain is used when the configuration enables no filter.
var DefaultChain = []string{
	"SpamFilter",
	"KillThreadsFilter",
	"ListMailsFilter",
	"ArchiveSentMailsFilter",
	"InboxFilter",
}

func DefaultPath() string {
	return xdg.ConfigPath("afew", "config")
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		// tag lists are ';' separated
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}
}

// Load parses the afew configuration file at path. A missing file is not
// an error: the default filter chain is used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	file, err := ini.LoadSources(loadOptions(), path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("%s: not found, using defaults", path)
		file = ini.Empty(loadOptions())
	} else if err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	return parse(path, file)
}

// LoadString parses configuration text.
func LoadString(text string) (*Config, error) {
	file, err := ini.LoadSources(loadOptions(), []byte(text))
	if err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	return parse("", file)
}

func parse(path string, file *ini.File) (*Config, error) {
	config := &Config{Path: path, file: file}
	for _, sec := range file.Sections() {
		title := sec.Name()
		switch title {
		case ini.DefaultSection:
			if len(sec.Keys()) > 0 {
				return nil, Errorf(title, "options outside of any section")
			}
			continue
		case globalSection, moverSection:
			continue
		case watchSection:
			if err := parseWatch(sec, &config.Watch); err != nil {
				return nil, err
			}
			continue
		}
		m := sectionRe.FindStringSubmatch(title)
		if m == nil {
			return nil, Errorf(title, "malformed section title")
		}
		section := Section{
			Name:   m[sectionRe.SubexpIndex("name")],
			Parent: m[sectionRe.SubexpIndex("parent")],
			Index:  m[sectionRe.SubexpIndex("index")],
			Params: make(Params),
		}
		for _, key := range sec.Keys() {
			section.Params[key.Name()] = key.String()
		}
		config.Sections = append(config.Sections, section)
	}
	if !config.hasEnabled() {
		config.Default = true
		for _, name := range DefaultChain {
			config.Sections = append(config.Sections,
				Section{Name: name, Params: make(Params)})
		}
	}
	log.Debugf("afew config: %d filter sections", len(config.Sections))
	return config, nil
}

func (c *Config) hasEnabled() bool {
	for _, s := range c.Sections {
		if s.Parent == "" {
			return true
		}
	}
	return false
}

func parseWatch(sec *ini.Section, watch *WatchConfig) error {
	if !sec.HasKey("ignore") {
		return nil
	}
	globs, err := shlex.Split(sec.Key("ignore").String())
	if err != nil {
		return Errorf(sec.Name(), "ignore: %v", err)
	}
	watch.Ignore = globs
	log.Debugf("afew config: [Watch] %#v", watch)
	return nil
}
