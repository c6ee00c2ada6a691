package config

import (
	"regexp"

	"github.com/google/shlex"

	"github.com/afewmail/afew/lib/log"
)

// MoveRule moves the messages matching Query to Destination.
type MoveRule struct {
	Query       string
	Destination string
}

// FolderRules are the ordered rules of one source folder.
type FolderRules struct {
	Folder string
	Rules  []MoveRule
}

type MoverConfig struct {
	Folders []FolderRules `ini:"-"`
	// MaxAge restricts moves to messages younger than this many days.
	MaxAge int  `ini:"max_age"`
	Rename bool `ini:"rename"`
}

var ruleRe = regexp.MustCompile(`'(.+?)':("([^"]*)"|'([^']*)'|\S+)`)

// MailMover parses the [MailMover] section. The section is only required
// when moving mail, which is why it is not validated by Load.
func (c *Config) MailMover() (*MoverConfig, error) {
	sec, err := c.file.GetSection(moverSection)
	if err != nil || !sec.HasKey("folders") {
		return nil, Errorf(moverSection, "No folders defined to move mails from.")
	}
	mover := &MoverConfig{}
	if err := sec.MapTo(mover); err != nil {
		return nil, Errorf(moverSection, "%v", err)
	}
	if mover.MaxAge < 0 {
		return nil, Errorf(moverSection, "max_age: must be a positive number of days")
	}
	folders, err := shlex.Split(sec.Key("folders").String())
	if err != nil {
		return nil, Errorf(moverSection, "folders: %v", err)
	}
	for _, folder := range folders {
		if !sec.HasKey(folder) {
			return nil, Errorf(moverSection, "No rules specified for maildir '%s'.", folder)
		}
		rules := ParseMoveRules(sec.Key(folder).String())
		if len(rules) == 0 {
			return nil, Errorf(moverSection, "%s: no valid 'query':destination rule", folder)
		}
		mover.Folders = append(mover.Folders, FolderRules{
			Folder: folder,
			Rules:  rules,
		})
	}
	log.Debugf("afew config: [MailMover] %#v", mover)
	return mover, nil
}

// ParseMoveRules parses a list of 'query':destination pairs. Destinations
// containing spaces are quoted. A query listed twice keeps its first
// position and its last destination.
func ParseMoveRules(value string) []MoveRule {
	var rules []MoveRule
	index := make(map[string]int)
	for _, m := range ruleRe.FindAllStringSubmatch(value, -1) {
		query := m[1]
		dest := m[2]
		switch {
		case m[3] != "":
			dest = m[3]
		case m[4] != "":
			dest = m[4]
		}
		if i, ok := index[query]; ok {
			rules[i].Destination = dest
			continue
		}
		index[query] = len(rules)
		rules = append(rules, MoveRule{Query: query, Destination: dest})
	}
	return rules
}
