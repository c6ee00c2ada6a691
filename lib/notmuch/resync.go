package notmuch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/afewmail/afew/lib/log"
)

// ToolError is returned when an external notmuch command fails.
type ToolError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Binary is the notmuch executable used by Resync.
var Binary = "notmuch"

// Resync runs `notmuch new` so the index picks up files that were moved
// on disk. The notmuch config file is passed along when not empty.
func Resync(ctx context.Context, configPath string, args ...string) error {
	argv := []string{}
	if configPath != "" {
		argv = append(argv, "--config="+configPath)
	}
	argv = append(argv, "new")
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, Binary, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debugf("running %s %s", Binary, strings.Join(argv, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return errors.Wrap(err, "cmd.Run")
	}
	toolErr := &ToolError{
		Command:  Binary + " " + strings.Join(argv, " "),
		ExitCode: exitErr.ExitCode(),
		Stderr:   strings.TrimSpace(stderr.String()),
	}
	log.Errorf("%v", toolErr)
	return toolErr
}
