// emingest collects Shelly Pro 3EM energy meter telemetry into InfluxDB.
//
// Usage:
//
//	emingest [-config path] [-v] <command> [args]
//
// Commands:
//
//	download <all|max|missing|N(w|d|h)>  download history exports into data_dir
//	live                                 store live push events until interrupted
//	import                               insert downloaded exports into InfluxDB
//	status                               log the status of every device
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/meter"
	"github.com/nerrad567/em-ingest/internal/shelly"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnv         = "EMINGEST_CONFIG"
	dotEnvFile        = ".env"
)

var (
	errUsage  = errors.New("usage")
	errConfig = errors.New("configuration")
)

const usageText = `Usage: emingest [-config path] [-v] <command> [args]

Commands:
  download <all|max|missing|N(w|d|h)>  download history exports into data_dir
  live                                 store live push events until interrupted
  import                               insert downloaded exports into InfluxDB
  status                               log the status of every device

Flags:
`

func main() {
	// Cancel on Ctrl+C or SIGTERM so commands shut down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", errorClass(err), err)
		os.Exit(1)
	}
}

// run parses args, loads configuration and dispatches the command.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	flags := flag.NewFlagSet("emingest", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "configuration file (default $"+configEnv+" or "+defaultConfigPath+")")
	verbose := flags.Bool("v", false, "verbose (debug) log output")
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usageText)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return fmt.Errorf("%w: no command given", errUsage)
	}

	if err := loadDotEnv(dotEnvFile); err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errConfig, path, err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	log := logging.New(cfg.Logging, version)
	log.Debug("starting em-ingest", "commit", commit, "build_date", date, "config", path)

	a := newApp(cfg, log)
	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "download":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("%w: download takes exactly one age argument", errUsage)
		}
		return a.download(ctx, cmdArgs[0])
	case "live":
		return a.live(ctx)
	case "import":
		return a.importArchive(ctx)
	case "status":
		return a.status(ctx)
	default:
		flags.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// resolveConfigPath picks the -config flag, then $EMINGEST_CONFIG, then the
// default path.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(configEnv); v != "" {
		return v
	}
	return defaultConfigPath
}

// loadDotEnv exports the variables of path unless they are already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// errorClass names the kind of failure for the one-line error report.
func errorClass(err error) string {
	switch {
	case errors.Is(err, errUsage), errors.Is(err, ErrInvalidAge):
		return "UsageError"
	case errors.Is(err, errConfig):
		return "ConfigError"
	case errors.Is(err, meter.ErrSchema):
		return "SchemaError"
	case errors.Is(err, meter.ErrMalformedRow):
		return "DataError"
	case errors.Is(err, shelly.ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, shelly.ErrTransport):
		return "TransportError"
	case errors.Is(err, influxdb.ErrConnectionFailed),
		errors.Is(err, influxdb.ErrBucketSetup),
		errors.Is(err, influxdb.ErrNotConnected),
		errors.Is(err, influxdb.ErrWritePermanent),
		errors.Is(err, influxdb.ErrWriteRetryable),
		errors.Is(err, influxdb.ErrWriterClosed):
		return "StorageError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Interrupted"
	default:
		return "Error"
	}
}
