// Package commands holds the virsh command tree.
package commands

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/virt"
	"gitlab.com/tozd/go/errors"
)

const (
	DefaultURI    = "qemu:///system"
	DefaultConfig = "./conf/virt.conf"
)

// app is the state shared by every command of one invocation.
type app struct {
	uri        string
	configPath string
	debug      bool
	output     string

	logger zerolog.Logger
	conn   *virt.Connect
}

// Execute runs the command line in os.Args and releases the connection.
func Execute(ctx context.Context) error {
	root, a := newRootCmd()
	defer a.close()
	return root.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:          "virsh",
		Short:        "Manage domains, storage pools and networks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.uri, "connect", "c", DefaultURI, "hypervisor connection URI")
	flags.StringVar(&a.configPath, "config", DefaultConfig, "configuration file")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flags.StringVarP(&a.output, "output", "o", outputTable, "output format (table|yaml)")

	root.AddGroup(domainGroup, storageGroup, networkGroup)
	root.AddCommand(domainCommands(a)...)
	root.AddCommand(storageCommands(a)...)
	root.AddCommand(networkCommands(a)...)

	return root, a
}

func (a *app) close() {
	if a.conn == nil {
		return
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close connection")
	}
}

func (a *app) open(cmd *cobra.Command) error {
	if a.output != outputTable && a.output != outputYAML {
		return errors.Errorf("unknown output format %q", a.output)
	}

	cfg, err := conf.Load(a.configPath)
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if configured, err := zerolog.ParseLevel(cfg.String(conf.KeyLogLevel, "")); err == nil && configured != zerolog.NoLevel {
		level = configured
	}
	if a.debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().
		Timestamp().
		Str("command", cmd.Name()).
		Logger()
	a.logger = logger
	ctx := logger.WithContext(cmd.Context())
	cmd.SetContext(ctx)

	conn, err := virt.Open(ctx, a.uri, cfg)
	if err != nil {
		return errors.Errorf("connecting to %s: %w", a.uri, err)
	}
	a.conn = conn
	return nil
}
