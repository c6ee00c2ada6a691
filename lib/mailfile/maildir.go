package mailfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"
)

// Store is the tree of maildirs below the notmuch mail root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	s, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !s.IsDir() {
		return nil, fmt.Errorf("Given mail root '%s' not a directory", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// FolderMap lists every maildir of the store by its path relative to the
// root. The root itself is listed as "" when it is a maildir.
func (s *Store) FolderMap() (map[string]maildir.Dir, error) {
	folders := make(map[string]maildir.Dir)
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("Invalid path '%s': error: %w", path, err)
		}
		if !info.IsDir() {
			return nil
		}

		n := info.Name()
		if n == "new" || n == "tmp" || n == "cur" {
			return filepath.SkipDir
		}
		if path != s.root && strings.HasPrefix(n, ".notmuch") {
			return filepath.SkipDir
		}

		dirPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if dirPath == "." {
			dirPath = ""
		}

		// Drop dirs that lack {new,cur} subdirs
		for _, sub := range []string{"new", "cur"} {
			if _, err := os.Stat(filepath.Join(path, sub)); os.IsNotExist(err) {
				return nil
			}
		}
		folders[dirPath] = maildir.Dir(path)
		return nil
	})
	return folders, err
}

// Folder returns the folder of a message file relative to the root, or
// false when the file is not in a cur/new directory below the root.
func (s *Store) Folder(filename string) (string, bool) {
	return FolderOf(s.root, filename)
}

func FolderOf(root, filename string) (string, bool) {
	dir, sub := filepath.Split(filepath.Dir(filename))
	if sub != "cur" && sub != "new" {
		return "", false
	}
	rel, err := filepath.Rel(root, filepath.Clean(dir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// Contains reports whether filename sits directly in the cur or new
// directory of dir.
func Contains(dir maildir.Dir, filename string) bool {
	for _, sub := range []string{"cur", "new"} {
		match, _ := filepath.Match(filepath.Join(string(dir), sub, "*"), filename)
		if match {
			return true
		}
	}
	return false
}

// Subdir returns "new" or "cur" depending on where filename is stored.
func Subdir(filename string) string {
	if filepath.Base(filepath.Dir(filename)) == "new" {
		return "new"
	}
	return "cur"
}

// Split separates the unique part of a maildir file name from its flags.
func Split(name string) (uniq string, flags []maildir.Flag, err error) {
	name = filepath.Base(name)
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return "", nil, &maildir.MailfileError{Name: name}
	}
	info := name[i+1:]
	uniq = name[:i]
	if len(info) < 2 {
		return "", nil, &maildir.FlagError{Info: info, Experimental: false}
	}
	if info[0] == '1' {
		return "", nil, &maildir.FlagError{Info: info, Experimental: true}
	}
	if info[1] != ',' || info[0] != '2' {
		return "", nil, &maildir.FlagError{Info: info, Experimental: false}
	}
	flags = []maildir.Flag(info[2:])
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return uniq, flags, nil
}

// InfoSuffix returns the ":2,FLAGS" part of a file name, if any.
func InfoSuffix(name string) string {
	name = filepath.Base(name)
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i:]
	}
	return ""
}

var flagTags = map[maildir.Flag]string{
	maildir.FlagDraft:   "draft",
	maildir.FlagFlagged: "flagged",
	maildir.FlagPassed:  "passed",
	maildir.FlagReplied: "replied",
}

// FlagTags translates maildir flags into the tags notmuch synchronizes
// them with. A missing Seen flag means unread.
func FlagTags(flags []maildir.Flag) (add, remove []string) {
	set := make(map[maildir.Flag]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}
	for _, f := range []maildir.Flag{
		maildir.FlagDraft, maildir.FlagFlagged,
		maildir.FlagPassed, maildir.FlagReplied,
	} {
		if set[f] {
			add = append(add, flagTags[f])
		} else {
			remove = append(remove, flagTags[f])
		}
	}
	if set[maildir.FlagSeen] {
		remove = append(remove, "unread")
	} else {
		add = append(add, "unread")
	}
	return add, remove
}
