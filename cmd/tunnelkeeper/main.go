// Package main provides the tunnelkeeper daemon and CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tunnelkeeper/internal/cli/ctl"
	"github.com/rennerdo30/tunnelkeeper/internal/config"
	"github.com/rennerdo30/tunnelkeeper/internal/daemon"
	"github.com/rennerdo30/tunnelkeeper/internal/network"
	"github.com/rennerdo30/tunnelkeeper/internal/service"
	"github.com/rennerdo30/tunnelkeeper/internal/version"
)

// options holds the flags shared by every command.
type options struct {
	configFile string
}

// loadConfig reads the daemon configuration. The default config file may
// be absent; an explicitly given one must exist.
func (o *options) loadConfig(cmd *cobra.Command) (config.DaemonConfig, bool, error) {
	optional := !cmd.Flags().Changed("config")
	cfg, err := config.LoadDaemonConfig(o.configFile, optional)
	return cfg, optional, err
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tunnelkeeper",
		Short: "Tunnelkeeper VPN session daemon",
		Long: `Tunnelkeeper supervises OpenVPN client sessions on behalf of a local UI
and exposes them through a loopback HTTP control API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultConfigFile, "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground or as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := opts.loadConfig(cmd); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newServiceCmd(opts))
	root.AddCommand(newResetNetworkCmd(opts))
	root.AddCommand(newAdaptersCmd(opts))
	root.AddCommand(ctl.NewCommands())

	return root
}

func runDaemon(cmd *cobra.Command, opts *options) error {
	cfg, optional, err := opts.loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return service.Run(service.DefaultName, daemon.New(cfg, opts.configFile, optional))
}

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.DefaultDaemonConfig()
			if err := config.Save(opts.configFile, &cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", opts.configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(initCmd)
	return configCmd
}

func newServiceCmd(opts *options) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove tunnelkeeper as a system service",
	}

	var name string
	serviceCmd.PersistentFlags().StringVar(&name, "name", service.DefaultName, "service name")

	manager := func() (*service.Manager, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		return service.New(service.Config{
			Name:       name,
			BinaryPath: exe,
			ConfigPath: opts.configFile,
		})
	}

	serviceCmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install and enable the service",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				if err := m.Install(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service installed: %s\n", m.Name())
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop and remove the service",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				if err := m.Uninstall(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service uninstalled: %s\n", m.Name())
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the service status",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager()
				if err != nil {
					return err
				}
				status, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Name(), status)
				return nil
			},
		},
	)
	return serviceCmd
}

func newResetNetworkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-network",
		Short: "Run the network reset sequence locally",
		Long: `Run the configured network reset commands in this process. Use
"tunnelkeeper ctl reset-network" to ask a running daemon instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.NetworkReset.Enabled {
				return errors.New("network reset is disabled in the configuration")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			resetter := network.NewResetter(network.ResetConfig{Commands: cfg.NetworkReset.Commands})
			if err := resetter.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Network reset complete")
			return nil
		},
	}
}

func newAdaptersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "Count virtual adapters locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			adapters := network.NewAdapters(network.AdaptersConfig{
				Command:            cfg.Adapters.Command,
				AdapterMarker:      cfg.Adapters.AdapterMarker,
				DisconnectedMarker: cfg.Adapters.DisconnectedMarker,
			})
			used, available := adapters.Refresh(cmd.Context())
			if adapters.Counts().UpdatedAt.IsZero() {
				return fmt.Errorf("%w (see log for details)", network.ErrEnumerationFailed)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Used: %d\nAvailable: %d\n", used, available)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
