// Command a12relay bridges local segments to remote a12 peers.
//
//	a12relay push [flags] <connpoint> <host>   host a connection point, relay each segment to host
//	a12relay listen [flags] <connpoint>        accept a12 peers, attach each to connpoint
//	a12relay version
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/auth"
	"github.com/chronologos/a12relay/internal/config"
	"github.com/chronologos/a12relay/internal/version"
)

const usage = `usage: a12relay push [flags] <connpoint> <host>
       a12relay listen [flags] <connpoint>
       a12relay version

Run "a12relay <command> --help" for flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	switch args[0] {
	case "version", "--version":
		fmt.Fprintln(stdout, version.String())
		return 0
	case "push":
		return runCommand("push", args[1:], stderr, 2, runPush)
	case "listen":
		return runCommand("listen", args[1:], stderr, 1, runListen)
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

// commonFlags are shared by push and listen. Set flags override the file.
type commonFlags struct {
	config      string
	logLevel    string
	port        int
	transport   string
	codec       string
	vframeBlock int
	connPath    string
	stdio       bool
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "config file (default $"+config.EnvConfig+")")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.IntVarP(&f.port, "port", "p", 0, "network port")
	fs.StringVar(&f.transport, "transport", "", "tcp, quic or dual")
	fs.StringVar(&f.codec, "codec", "", "video codec: raw, zstd or lz4")
	fs.IntVar(&f.vframeBlock, "vframe-block", 0, "unacknowledged frames in flight, 0 for no limit")
	fs.StringVar(&f.connPath, "connpath", "", "directory holding connection points")
	fs.BoolVar(&f.stdio, "stdio", false, "carry a single connection over stdin/stdout")
}

// apply loads the config file and overlays the flags that were set.
func (f *commonFlags) apply(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("transport") {
		cfg.Transport = f.transport
	}
	if fs.Changed("codec") {
		cfg.Codec = f.codec
	}
	if fs.Changed("vframe-block") {
		cfg.VFrameBlock = f.vframeBlock
	}
	if fs.Changed("connpath") {
		cfg.ConnPath = f.connPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// invocation is a parsed push or listen command line.
type invocation struct {
	cfg   *config.Config
	key   auth.Key
	args  []string
	stdio bool
	log   *slog.Logger
}

type commandFunc func(inv *invocation) error

func runCommand(name string, args []string, stderr io.Writer, nargs int, fn commandFunc) int {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags commonFlags
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != nargs {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := flags.apply(fs)
	if err != nil {
		fmt.Fprintf(stderr, "a12relay: %v\n", err)
		return 1
	}
	key, err := cfg.Key()
	if err != nil {
		fmt.Fprintf(stderr, "a12relay: %v\n", err)
		return 1
	}
	level, _ := cfg.Level()

	inv := &invocation{
		cfg:   cfg,
		key:   key,
		args:  fs.Args(),
		stdio: flags.stdio,
		log:   newLogger(stderr, level).With("command", name),
	}
	if err := fn(inv); err != nil {
		inv.log.Error("exited", "error", err)
		return 1
	}
	return 0
}

// newLogger uses text output on a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

// newState creates the protocol state for one connection.
func (inv *invocation) newState(role a12.Role, log *slog.Logger) (*a12.State, error) {
	return a12.New(a12.Config{Role: role, Key: inv.key, Logger: log})
}
