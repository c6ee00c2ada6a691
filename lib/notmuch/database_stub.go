//go:build !notmuch
// +build !notmuch

package notmuch

import "errors"

// DB is unavailable in builds without the notmuch tag.
type DB struct {
	Database
}

func NewDB(path string) (*DB, error) {
	return nil, errors.New("afew was built without notmuch support (build tag \"notmuch\")")
}
