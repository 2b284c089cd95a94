// Package main implements the tanksync daemon that keeps a tank monitor in sync
// with the cloud and serves the local app API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tankwise/tanksync/internal/cloud"
	"github.com/tankwise/tanksync/internal/localapi"
	"github.com/tankwise/tanksync/internal/log"
	"github.com/tankwise/tanksync/internal/metrics"
	"github.com/tankwise/tanksync/internal/storage"
	"github.com/tankwise/tanksync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	CloudURL   string `short:"c" env:"TANKSYNC_CLOUD_URL" long:"cloud-url" description:"Base URL of the cloud API"`
	DeviceID   string `short:"d" env:"TANKSYNC_DEVICE_ID" long:"device-id" description:"Device identifier, overrides the profile"`
	StorageDSN string `short:"s" env:"TANKSYNC_STORAGE_DSN" long:"storage-dsn" description:"Preferences store: bolt:///path, postgres://..., etcd://host:2379/prefix or memory://" default:"bolt:///var/lib/tanksync/prefs.db"`
	Listen     string `env:"TANKSYNC_LISTEN" long:"listen" description:"Address of the local API" default:":80"`
	Profile    string `short:"f" env:"TANKSYNC_PROFILE" long:"profile" description:"YAML device profile with identity, credentials and config defaults"`
	Username   string `short:"u" env:"TANKSYNC_USERNAME" long:"username" description:"Cloud account user name"`
	Password   string `env:"TANKSYNC_PASSWORD" long:"password" description:"Cloud account password"`
	LinkProbe  string `env:"TANKSYNC_LINK_PROBE" long:"link-probe" description:"host:port dialed to detect the uplink, empty means always online"`
	LogLevel   string `short:"l" env:"TANKSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON    bool   `env:"TANKSYNC_LOG_JSON" long:"log-json" description:"Write logs as JSON"`

	TelemetryInterval time.Duration `long:"telemetry-interval" description:"Telemetry upload interval" default:"30s"`
	ConfigInterval    time.Duration `long:"config-interval" description:"Config sync interval" default:"30s"`
	ControlInterval   time.Duration `long:"control-interval" description:"Control fetch interval" default:"5m"`

	Version bool `short:"v" long:"version" description:"Show version information"`
	Help    bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
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

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("tanksync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool) error {
	if err := log.Setup(logLevel, json); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("tanksync logging initialized")
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

// BuildOptions merges the profile and the command line into the service options.
// Command line values win over the profile.
func BuildOptions(config *Config, profile *Profile) (sync.Options, error) {
	opts := sync.Options{
		CloudURL:          config.CloudURL,
		DeviceID:          config.DeviceID,
		TelemetryInterval: config.TelemetryInterval,
		ConfigInterval:    config.ConfigInterval,
		ControlInterval:   config.ControlInterval,
	}
	if profile != nil {
		if opts.CloudURL == "" {
			opts.CloudURL = profile.CloudURL
		}
		if opts.DeviceID == "" {
			opts.DeviceID = profile.Device.ID
		}
		defaults := profile.ApplyDefaults()
		opts.Defaults = &defaults
		opts.Credentials = profile.Credentials()
	}
	if config.Username != "" {
		if opts.Credentials == nil {
			opts.Credentials = &cloud.Credentials{}
		}
		opts.Credentials.Username = config.Username
		opts.Credentials.Password = config.Password
	}
	if opts.CloudURL == "" {
		return opts, errors.New("cloud URL is required")
	}
	if opts.DeviceID == "" {
		return opts, errors.New("device ID is required")
	}
	if opts.Credentials != nil {
		opts.Credentials.DeviceID = opts.DeviceID
	}
	return opts, nil
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	var profile *Profile
	if config.Profile != "" {
		if profile, err = LoadProfile(config.Profile); err != nil {
			logrus.WithError(err).Fatal("Failed to load device profile")
		}
	}
	opts, err := BuildOptions(config, profile)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	store, err := storage.Open(ctx, config.StorageDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open preferences store")
	}
	defer store.Close()

	deps := sync.Deps{
		Prefs:   storage.NewPrefs(store),
		Metrics: metrics.New(),
	}
	if config.LinkProbe != "" {
		deps.Link = sync.NewDialLink(config.LinkProbe, 0)
	}

	svc := sync.NewService(ctx, opts, deps)
	api := localapi.NewServer(svc, deps.Metrics.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(gctx)
	})
	g.Go(func() error {
		return api.Run(gctx, config.Listen)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
