package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"git.sr.ht/~sircmpwn/getopt"

	"github.com/afewmail/afew/config"
	"github.com/afewmail/afew/filters"
	"github.com/afewmail/afew/lib/log"
	"github.com/afewmail/afew/lib/notmuch"
	"github.com/afewmail/afew/lib/watchers"
	"github.com/afewmail/afew/mover"
	"github.com/afewmail/afew/watcher"
)

// set at build time
var (
	Version string
	Flags   string
)

func buildInfo() string {
	info := Version
	flags, _ := base64.StdEncoding.DecodeString(Flags)
	if strings.Contains(string(flags), "notmuch") {
		info += " +notmuch"
	}
	info += fmt.Sprintf(" (%s %s %s)",
		runtime.Version(), runtime.GOARCH, runtime.GOOS)
	return info
}

const usageText = `usage: afew [-t|-w|-m] [-a|-n|<query>...] [-C <notmuch-config>]
            [-c <config>] [-e <filter>,...] [-d] [-v...] [-V] [-h]

Actions (exactly one):
  -t                 Run the tag filters.
  -w                 Continuously monitor the mailbox for new files.
  -m                 Move mail files between maildir folders.

Query modifiers (exactly one with -t):
  -a                 Operate on all messages.
  -n                 Operate on all new messages.
  <query>...         A notmuch query to find messages to work on.

Options:
  -C <path>          Notmuch configuration file [default: $NOTMUCH_CONFIG
                     or ~/.notmuch-config].
  -c <path>          afew configuration file [default:
                     $XDG_CONFIG_HOME/afew/config].
  -e <filters>       Filters to use, separated by ',' [default: filters
                     specified in the afew configuration].
  -d                 Do not change the database or move any file.
  -v                 Be more verbose, can be given multiple times.
  -V                 Print version information.
  -h                 Show this help message and exit.
`

type action int

const (
	actionNone action = iota
	actionTag
	actionWatch
	actionMove
)

type options struct {
	action        action
	all           bool
	new           bool
	query         []string
	notmuchConfig string
	config        string
	enable        []string
	dryRun        bool
	verbosity     int
	version       bool
	help          bool
}

// usageError is a command line mistake.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func parseArgs(args []string) (*options, error) {
	opts, optind, err := getopt.Getopts(args, "twmanC:c:e:dvVh")
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	o := &options{}
	actions := 0
	for _, opt := range opts {
		switch opt.Option {
		case 't':
			o.action = actionTag
			actions++
		case 'w':
			o.action = actionWatch
			actions++
		case 'm':
			o.action = actionMove
			actions++
		case 'a':
			o.all = true
		case 'n':
			o.new = true
		case 'C':
			o.notmuchConfig = opt.Value
		case 'c':
			o.config = opt.Value
		case 'e':
			for _, name := range strings.Split(opt.Value, ",") {
				if name = strings.TrimSpace(name); name != "" {
					o.enable = append(o.enable, name)
				}
			}
		case 'd':
			o.dryRun = true
		case 'v':
			o.verbosity++
		case 'V':
			o.version = true
		case 'h':
			o.help = true
		}
	}
	o.query = args[optind:]
	if o.help || o.version {
		return o, nil
	}

	switch {
	case actions == 0:
		return nil, &usageError{msg: "You need to specify an action"}
	case actions > 1:
		return nil, &usageError{msg: "Please specify exactly one action"}
	}
	modifiers := 0
	for _, set := range []bool{o.all, o.new, len(o.query) > 0} {
		if set {
			modifiers++
		}
	}
	switch {
	case modifiers == 0 && o.action == actionTag:
		return nil, &usageError{
			msg: "You need to specify one of --new, --all or a query string",
		}
	case modifiers > 1:
		return nil, &usageError{
			msg: "Please specify either --all, --new or a query string",
		}
	}
	return o, nil
}

func main() {
	defer log.PanicHandler()

	o, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afew: "+err.Error())
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprint(os.Stderr, usageText)
		}
		os.Exit(1)
	}
	switch {
	case o.help:
		fmt.Print(usageText)
		return
	case o.version:
		fmt.Println("afew " + buildInfo())
		return
	}

	log.Init(os.Stderr, log.LevelFromVerbosity(o.verbosity))
	log.Debugf("Starting up version %s", buildInfo())

	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "afew: "+err.Error())
		os.Exit(1) //nolint:gocritic // PanicHandler does not need to run as it's not a panic
	}
}

func run(o *options) error {
	nm, err := config.LoadNotmuch(o.notmuchConfig)
	if err != nil {
		return err
	}
	cfg, err := config.Load(o.config)
	if err != nil {
		return err
	}
	db, err := notmuch.NewDB(nm.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Cleanup = func() {
		db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := filters.NewEnv(db, nm)
	if o.action == actionMove {
		return move(ctx, o, cfg, nm, db)
	}

	reg := filters.NewRegistry()
	var chain []filters.Filter
	if len(o.enable) > 0 {
		chain, err = reg.Enable(cfg, o.enable, env)
	} else {
		chain, err = reg.Build(cfg, env)
	}
	if err != nil {
		return err
	}

	switch o.action {
	case actionWatch:
		fsw, err := watchers.New()
		if err != nil {
			return err
		}
		w := watcher.New(env, filters.NewChain(env, chain), fsw, cfg.Watch.Ignore)
		w.DryRun = o.dryRun
		return w.Run(ctx)
	case actionTag:
		query := strings.Join(o.query, " ")
		switch {
		case o.new:
			query = notmuch.NewQuery(nm.NewTags)
		case o.all:
			query = ""
		}
		stats, err := filters.NewChain(env, chain).Run(query, o.dryRun)
		log.Infof("%d messages processed, %d failed", stats.Messages, stats.Failed)
		return err
	}
	return nil
}

func move(
	ctx context.Context, o *options, cfg *config.Config,
	nm *config.Notmuch, db notmuch.Database,
) error {
	mc, err := cfg.MailMover()
	if err != nil {
		return err
	}
	resync := func(ctx context.Context) error {
		return notmuch.Resync(ctx, nm.Path)
	}
	m := mover.New(db, nm.DatabasePath, resync, mover.Options{
		MaxAge: mc.MaxAge,
		Rename: mc.Rename,
		DryRun: o.dryRun,
	})
	for _, f := range mc.Folders {
		res, err := m.Move(ctx, f.Folder, f.Rules)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Folder, err)
		}
		log.Infof("%s: %d moved, %d skipped", f.Folder, res.Moved, res.Skipped)
	}
	return nil
}
