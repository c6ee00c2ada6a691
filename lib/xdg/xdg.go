package xdg

import (
	"os"
	"path/filepath"
)

// Return a path relative to the user config dir. $XDG_CONFIG_HOME is
// honored on every platform, falling back to ~/.config.
func ConfigPath(paths ...string) string {
	res := filepath.Join(paths...)
	if !filepath.IsAbs(res) {
		config := os.Getenv("XDG_CONFIG_HOME")
		if config == "" {
			config = ExpandHome("~/.config")
		}
		res = filepath.Join(os.ExpandEnv(config), res)
	}
	return res
}

// NotmuchConfigPath returns $NOTMUCH_CONFIG or ~/.notmuch-config.
func NotmuchConfigPath() string {
	if p := os.Getenv("NOTMUCH_CONFIG"); p != "" {
		return ExpandHome(p)
	}
	return ExpandHome("~/.notmuch-config")
}

// MailRoot is the default notmuch database path when none is configured:
// $MAILDIR or ~/mail.
func MailRoot() string {
	if p := os.Getenv("MAILDIR"); p != "" {
		return HomeRelative(p)
	}
	return ExpandHome("~/mail")
}
