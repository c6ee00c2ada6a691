package filters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/lib/notmuch/memdb"
)

func TestAuthResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg")
	require.NoError(t, os.WriteFile(path, []byte(
		"Authentication-Results: mx.example.com; dkim=pass header.d=example.org;\r\n"+
			" spf=softfail smtp.mailfrom=bob@example.org\r\n"+
			"Authentication-Results: mx.example.com; dkim=pass header.d=lists.example.org\r\n"+
			"Authentication-Results: forged.example.net; dmarc=pass header.from=bank.example\r\n"+
			"From: bob@example.org\r\n"+
			"Subject: hi\r\n"+
			"\r\n"+
			"body\r\n"), 0o600))
	msg := &memdb.Message{MessageID: "auth@example.org", Files: []string{path}}

	f := newFilter(t, testEnv(memdb.New("/mail")), "AuthResultsFilter", config.Params{
		"trusted": `mx\.example\.com`,
	})
	d := staged(t, f, msg)
	require.NotNil(t, d)
	assert.Equal(t, []string{"auth/dkim-pass", "auth/spf-softfail"}, d.Adds())

	f = newFilter(t, testEnv(memdb.New("/mail")), "AuthResultsFilter", config.Params{
		"trusted": "*",
	})
	d = staged(t, f, msg)
	require.NotNil(t, d)
	assert.Equal(t, []string{"auth/dkim-pass", "auth/dmarc-pass", "auth/spf-softfail"}, d.Adds())
}
