package mailfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-maildir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afewmail/afew/lib/mailfile"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		uniq  string
		flags []maildir.Flag
		err   bool
	}{
		{name: "/m/INBOX/cur/1577.M2.host:2,SF", uniq: "1577.M2.host", flags: []maildir.Flag{'F', 'S'}},
		{name: "1577.M2.host:2,", uniq: "1577.M2.host", flags: []maildir.Flag{}},
		{name: "1577.M2.host", err: true},
		{name: "1577.M2.host:1,S", err: true},
		{name: "1577.M2.host:2", err: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			uniq, flags, err := mailfile.Split(test.name)
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.uniq, uniq)
			assert.Equal(t, test.flags, flags)
		})
	}
}

func TestInfoSuffix(t *testing.T) {
	assert.Equal(t, ":2,RS", mailfile.InfoSuffix("/m/a/cur/123.host:2,RS"))
	assert.Equal(t, "", mailfile.InfoSuffix("/m/a/new/123.host"))
}

func TestFlagTags(t *testing.T) {
	add, remove := mailfile.FlagTags([]maildir.Flag{maildir.FlagSeen, maildir.FlagReplied})
	assert.ElementsMatch(t, []string{"replied"}, add)
	assert.ElementsMatch(t, []string{"draft", "flagged", "passed", "unread"}, remove)

	add, _ = mailfile.FlagTags(nil)
	assert.Contains(t, add, "unread")
}

func TestContains(t *testing.T) {
	dir := maildir.Dir("/m/Archive")
	assert.True(t, mailfile.Contains(dir, "/m/Archive/cur/1:2,S"))
	assert.True(t, mailfile.Contains(dir, "/m/Archive/new/1"))
	assert.False(t, mailfile.Contains(dir, "/m/Archive/2023/cur/1:2,S"))
	assert.False(t, mailfile.Contains(dir, "/m/Archive2/cur/1:2,S"))
}

func TestStoreFolders(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"INBOX", "Lists/golang", ".notmuch/xapian"} {
		path := filepath.Join(root, d)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, maildir.Dir(path).Init())
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notamaildir"), 0o700))

	s, err := mailfile.NewStore(root)
	require.NoError(t, err)
	folders, err := s.FolderMap()
	require.NoError(t, err)
	var names []string
	for name := range folders {
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Lists/golang"}, names)

	folder, ok := s.Folder(filepath.Join(root, "Lists/golang/new/123"))
	assert.True(t, ok)
	assert.Equal(t, "Lists/golang", folder)
	_, ok = s.Folder("/elsewhere/INBOX/cur/1:2,")
	assert.False(t, ok)
	assert.Equal(t, "new", mailfile.Subdir(filepath.Join(root, "INBOX/new/1")))
}
