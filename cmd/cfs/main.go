// Command cfs manages the files of a collection defined in a YAML file.
//
//	cfs --config images.yaml put photo.png --meta owner=bob
//	cfs --config images.yaml get 3f8a1c2e-... -o photo.png
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/SchnorcherSepp/collectionfs/config"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// command is one sub command of cfs.
type command interface {
	Info() *info
	SetFlags(f *gnuflag.FlagSet)
	Init(args []string) error
	Run(ctx context.Context, env *cmdEnv) error
}

type info struct {
	Name     string
	Args     string
	Purpose  string
	NoConfig bool // runs without a collection
}

// cmdEnv is what a command runs against.
type cmdEnv struct {
	coll   interf.Collection // nil for NoConfig commands
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func commands() []command {
	return []command{
		&putCommand{},
		&getCommand{},
		&rmCommand{},
		&infoCommand{},
		&findCommand{},
		&metaCommand{},
		&repairCommand{},
		&rewriteCommand{},
		&sweepCommand{},
		&urlCommand{},
		&tokenCommand{},
	}
}

// run executes one command line and returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		configFile string
		debug      bool
	)
	global := gnuflag.NewFlagSet("cfs", gnuflag.ContinueOnError)
	global.SetOutput(stderr)
	global.StringVar(&configFile, "config", os.Getenv("CFS_CONFIG"), "collection definition (default $CFS_CONFIG)")
	global.BoolVar(&debug, "debug", false, "development logging")
	global.Usage = func() { usage(stderr, global) }

	if err := global.Parse(false, args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		usage(stderr, global)
		return 2
	}

	name := global.Arg(0)
	var cmd command
	for _, c := range commands() {
		if c.Info().Name == name {
			cmd = c
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "cfs: unknown command %q\n", name)
		usage(stderr, global)
		return 2
	}

	fs := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	cmd.SetFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: cfs %s %s\n\n%s\n\n", name, cmd.Info().Args, cmd.Info().Purpose)
		fs.PrintDefaults()
	}
	if err := fs.Parse(true, global.Args()[1:]); err != nil {
		return 2
	}
	if err := cmd.Init(fs.Args()); err != nil {
		fmt.Fprintf(stderr, "cfs %s: %v\n", name, err)
		return 2
	}

	logger, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(stderr, "cfs: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	env := &cmdEnv{stdin: stdin, stdout: stdout, stderr: stderr, logger: logger}
	if !cmd.Info().NoConfig {
		inst, err := openCollection(ctx, configFile, logger)
		if err != nil {
			fmt.Fprintf(stderr, "cfs: %v\n", err)
			return 1
		}
		defer inst.Close(context.WithoutCancel(ctx))
		env.coll = inst
	}

	if err := cmd.Run(ctx, env); err != nil {
		logger.Debug("command failed", zap.String("command", name), zap.String("trace", errors.ErrorStack(err)))
		fmt.Fprintf(stderr, "cfs %s: %v\n", name, err)
		return 1
	}
	return 0
}

func openCollection(ctx context.Context, file string, logger *zap.Logger) (*config.Instance, error) {
	if file == "" {
		return nil, errors.NotValidf("no collection definition (--config or $CFS_CONFIG)")
	}
	def, err := config.Load(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config.Open(ctx, def, logger, nil)
}

// newLogger logs warnings as JSON; debug switches to the console development logger.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func usage(w io.Writer, global *gnuflag.FlagSet) {
	fmt.Fprintf(w, "usage: cfs [--config file.yaml] [--debug] <command> [args]\n\ncommands:\n")
	list := commands()
	sort.Slice(list, func(i, j int) bool { return list[i].Info().Name < list[j].Info().Name })
	for _, c := range list {
		fmt.Fprintf(w, "    %-8s %s\n", c.Info().Name, c.Info().Purpose)
	}
	fmt.Fprintln(w)
	global.PrintDefaults()
}

//--------  FLAGS  ---------------------------------------------------------------------------------------------------//

// metaFlag collects repeated -meta key=value flags.
type metaFlag map[string]string

func (m metaFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (m metaFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return errors.NotValidf("metadata %q (want key=value)", s)
	}
	m[k] = v
	return nil
}

// listFlag collects a repeated flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}
