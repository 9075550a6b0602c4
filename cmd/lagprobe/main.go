// Package main implements the lagprobe binary measuring replication lag
// between a primary key-value node and one of its replicas.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/lagprobe/internal/db"
	"github.com/cybertec-postgresql/lagprobe/internal/history"
	"github.com/cybertec-postgresql/lagprobe/internal/log"
	"github.com/cybertec-postgresql/lagprobe/internal/probe"
	"github.com/cybertec-postgresql/lagprobe/internal/report"
	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// Config holds the application configuration
type Config struct {
	Primary   string `short:"p" env:"LAGPROBE_PRIMARY" long:"primary" description:"Primary DSN: redis://[:password@]host:port[/db], etcd://host:port or host:port"`
	Replica   string `short:"r" env:"LAGPROBE_REPLICA" long:"replica" description:"Replica DSN measured against the primary"`
	Secondary string `env:"LAGPROBE_SECONDARY" long:"secondary" description:"Another replica that is only health checked"`

	WriteCount int    `short:"n" env:"LAGPROBE_WRITE_COUNT" long:"write-count" description:"Number of keys written to the primary" default:"1000"`
	ValueSize  int    `short:"s" env:"LAGPROBE_VALUE_SIZE" long:"value-size" description:"Size of every value in bytes" default:"10240"`
	KeyPrefix  string `env:"LAGPROBE_KEY_PREFIX" long:"key-prefix" description:"Prefix of the written keys" default:"key_"`

	PollInterval time.Duration `env:"LAGPROBE_POLL_INTERVAL" long:"poll-interval" description:"Pause between replica polls, 0 polls back to back" default:"0s"`
	Deadline     time.Duration `env:"LAGPROBE_DEADLINE" long:"deadline" description:"Give up waiting for the replica after this long, 0 waits forever" default:"0s"`
	NoResetWait  bool          `env:"LAGPROBE_NO_RESET_WAIT" long:"no-reset-wait" description:"Do not wait for the flush to reach the replica before writing"`
	ResetTimeout time.Duration `env:"LAGPROBE_RESET_TIMEOUT" long:"reset-timeout" description:"How long to wait for the flush to reach the replica" default:"10s"`

	ConnectRetries uint64        `env:"LAGPROBE_CONNECT_RETRIES" long:"connect-retries" description:"Connection attempts retried with backoff, 0 fails on the first error" default:"0"`
	DialTimeout    time.Duration `env:"LAGPROBE_DIAL_TIMEOUT" long:"dial-timeout" description:"Timeout for establishing a connection" default:"5s"`
	IOTimeout      time.Duration `env:"LAGPROBE_IO_TIMEOUT" long:"io-timeout" description:"Timeout for a single command, 0 disables it" default:"10s"`

	Verify bool `env:"LAGPROBE_VERIFY" long:"verify" description:"Check the primary key count and value sizes after the run"`

	HistoryFile string `env:"LAGPROBE_HISTORY_FILE" long:"history-file" description:"Run history file (default ~/.lagprobe/history.db)"`
	NoHistory   bool   `env:"LAGPROBE_NO_HISTORY" long:"no-history" description:"Do not record the run in the history file"`
	ResultsDSN  string `env:"LAGPROBE_RESULTS_DSN" long:"results-dsn" description:"PostgreSQL connection string receiving every measurement"`
	ListHistory int    `long:"list-history" description:"Print the last N stored runs and exit"`

	LogLevel string `short:"l" env:"LAGPROBE_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON  bool   `env:"LAGPROBE_LOG_JSON" long:"log-json" description:"Write logs as JSON"`
	Version  bool   `short:"v" long:"version" description:"Show version information"`
	Help     bool
}

// Exit codes
const (
	ExitOK = iota
	ExitFailure
	ExitConnectivity
	ExitProtocol
	ExitSyncTimeout
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ProbeConfig turns the command line into a measurement configuration
func (c *Config) ProbeConfig() (probe.Config, error) {
	cfg := probe.DefaultConfig()

	primary, err := store.ParseEndpoint(c.Primary)
	if err != nil {
		return cfg, fmt.Errorf("invalid primary: %w", err)
	}
	replica, err := store.ParseEndpoint(c.Replica)
	if err != nil {
		return cfg, fmt.Errorf("invalid replica: %w", err)
	}
	cfg.Primary, cfg.Replica = primary, replica

	if c.Secondary != "" {
		secondary, err := store.ParseEndpoint(c.Secondary)
		if err != nil {
			return cfg, fmt.Errorf("invalid secondary: %w", err)
		}
		cfg.Secondary = &secondary
	}

	cfg.WriteCount = c.WriteCount
	cfg.ValueSize = c.ValueSize
	cfg.KeyPrefix = c.KeyPrefix
	cfg.PollInterval = c.PollInterval
	cfg.Deadline = c.Deadline
	cfg.WaitForReset = !c.NoResetWait
	cfg.ResetTimeout = c.ResetTimeout
	cfg.ConnectRetries = c.ConnectRetries
	cfg.Verify = c.Verify

	return cfg, cfg.Validate()
}

// ExitCode maps a run error to the process exit status
func ExitCode(err error) int {
	var (
		connErr    *store.ConnectivityError
		protoErr   *store.ProtocolError
		timeoutErr *store.SyncTimeoutError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &connErr):
		return ExitConnectivity
	case errors.As(err, &timeoutErr):
		return ExitSyncTimeout
	case errors.As(err, &protoErr):
		return ExitProtocol
	default:
		return ExitFailure
	}
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("lagprobe version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output on stderr
func SetupLogging(logLevel string, json bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Debug("lagprobe logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// resultSink is a place runs are recorded in. A required sink was asked
// for explicitly and failing to write to it fails the run.
type resultSink struct {
	history.Recorder
	required bool
}

// openSinks opens the configured result sinks. A broken history file
// only costs the history, a broken results database fails the run.
var openSinks = func(ctx context.Context, c *Config) ([]resultSink, error) {
	var sinks []resultSink
	if c.ResultsDSN != "" {
		repo, err := db.Open(ctx, c.ResultsDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, resultSink{Recorder: repo, required: true})
	}
	if !c.NoHistory {
		path := c.HistoryFile
		if path == "" {
			var err error
			if path, err = history.DefaultPath(); err != nil {
				logrus.WithError(err).Warn("Cannot locate history file, run will not be recorded")
				return sinks, nil
			}
		}
		hist, err := history.Open(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("Cannot open history file, run will not be recorded")
			return sinks, nil
		}
		sinks = append(sinks, resultSink{Recorder: hist})
	}
	return sinks, nil
}

func closeSinks(sinks []resultSink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close result store")
		}
	}
}

// saveResult writes res to every sink and returns ExitFailure when a required one failed
func saveResult(ctx context.Context, sinks []resultSink, res *probe.Result) int {
	code := ExitOK
	for _, s := range sinks {
		err := s.Save(ctx, res)
		switch {
		case err == nil:
		case s.required:
			logrus.WithError(err).WithField("run", res.ID).Error("Failed to record run in results database")
			code = ExitFailure
		default:
			logrus.WithError(err).WithField("run", res.ID).Warn("Failed to record run")
		}
	}
	return code
}

// run executes one invocation and returns the exit code
func run(ctx context.Context, c *Config, out io.Writer) int {
	rep := report.New(out)

	var (
		cfg probe.Config
		err error
	)
	if c.ListHistory <= 0 {
		if cfg, err = c.ProbeConfig(); err != nil {
			logrus.WithError(err).Error("Invalid configuration")
			return ExitFailure
		}
	}

	sinks, err := openSinks(ctx, c)
	if err != nil {
		logrus.WithError(err).Error("Failed to open results database")
		return ExitFailure
	}
	defer closeSinks(sinks)

	if c.ListHistory > 0 {
		if len(sinks) == 0 {
			logrus.Error("No history file or results database to list runs from")
			return ExitFailure
		}
		results, err := sinks[0].List(ctx, c.ListHistory)
		if err != nil {
			logrus.WithError(err).Error("Failed to list stored runs")
			return ExitFailure
		}
		rep.History(results)
		return ExitOK
	}

	rep.Header(cfg)
	logrus.WithFields(logrus.Fields{
		"primary":     cfg.Primary.String(),
		"replica":     cfg.Replica.String(),
		"write_count": cfg.WriteCount,
		"value_size":  cfg.ValueSize,
	}).Debug("Starting measurement")

	res, err := probe.New(cfg, probe.NetDialer(c.DialTimeout, c.IOTimeout), rep).Run(ctx)
	if err != nil {
		rep.Error(err)
		logrus.WithError(err).Debug("Measurement failed")
		return ExitCode(err)
	}
	rep.Summary(res)

	return saveResult(ctx, sinks, res)
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(ExitOK)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(ExitOK)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(ExitFailure)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	SetupCloseHandler(cancel)

	code := run(ctx, config, os.Stdout)
	cancel()
	os.Exit(code)
}
