package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bleepstore/objectstore/internal/config"
	"github.com/bleepstore/objectstore/internal/logging"
	"github.com/bleepstore/objectstore/internal/storage"
)

// errAbsent makes a command exit with status 1 without printing an error.
var errAbsent = errors.New("object does not exist")

// app carries the streams and global flags shared by all commands.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFormat  string
	provider   string

	cfg *config.Config
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "objstore",
		Short: "objstore reads and writes objects on a configured storage provider.",
		Long: `A uniform client for S3, IBM Cloud Object Storage, MinIO, OpenStack Swift,
Google Cloud Storage, Azure Blob Storage, SQLite, the local filesystem and
memory. The provider is chosen in the configuration file or with --provider.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd.Flags().Changed("config"))
		},
	}
	rootCmd.SetIn(a.stdin)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "objstore.yaml", "path to configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text, json (default: from config or text)")
	pf.StringVarP(&a.provider, "provider", "p", "", "override the configured storage provider")

	rootCmd.AddCommand(
		newListCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newHeadCmd(a),
		newExistsCmd(a),
		newDeleteCmd(a),
		newServeCmd(a),
		newProvidersCmd(a),
	)
	return rootCmd
}

// Execute runs the command line and returns the process exit status.
func Execute(a *app, args []string) int {
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errAbsent) {
			fmt.Fprintln(a.stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// loadConfig reads the configuration file, applies the global flag
// overrides and sets up logging. A missing default file falls back to the
// built-in defaults; a missing file named with --config is an error.
func (a *app) loadConfig(explicit bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = config.Default()
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.provider != "" {
		cfg.Storage.Provider = strings.ToLower(a.provider)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, a.stderr)
	a.cfg = cfg
	return nil
}

// withClient opens the configured client, runs fn and closes the client.
func (a *app) withClient(ctx context.Context, fn func(storage.Client) error) error {
	client, err := storage.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the supported storage providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range storage.Providers() {
				marker := " "
				if name == a.cfg.Storage.Provider {
					marker = "*"
				}
				fmt.Fprintf(a.stdout, "%s %s\n", marker, name)
			}
			return nil
		},
	}
}

// openInput returns the reader for a put source; "-" is standard input.
func (a *app) openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(a.stdin), nil
	}
	return os.Open(path)
}
