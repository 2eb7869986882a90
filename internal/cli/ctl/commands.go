// Package ctl provides the CLI commands that control a running daemon
// through its HTTP API.
package ctl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

// NewCommands creates the ctl command tree.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running tunnelkeeper daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", DefaultAPIURL, "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token")

	client := func() *APIClient {
		return NewAPIClient(apiURL, apiToken)
	}

	var password string
	var passwordStdin bool
	var wait bool
	var waitTimeout time.Duration
	startCmd := &cobra.Command{
		Use:   "start <id> <profile>",
		Short: "Start a VPN profile",
		Long: `Start a VPN profile through the daemon.

Example:
  tunnelkeeper ctl start work /etc/openvpn/work.ovpn --password-stdin --wait`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				pw, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = pw
			}
			return runStart(cmd.OutOrStdout(), client(), args[0], args[1], password, wait, waitTimeout)
		},
	}
	startCmd.Flags().StringVarP(&password, "password", "p", "", "Profile password")
	startCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	startCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the tunnel is connected")
	startCmd.Flags().DurationVar(&waitTimeout, "timeout", ConnectTimeout, "How long --wait waits")
	startCmd.MarkFlagsMutuallyExclusive("password", "password-stdin")

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a VPN profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Stop(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested: %s\n", args[0])
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status()
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	var clearLog bool
	logCmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show the OpenVPN output of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearLog {
				return client().ClearLog(args[0])
			}
			data, err := client().Log(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), data)
			return nil
		},
	}
	logCmd.Flags().BoolVar(&clearLog, "clear", false, "Delete the log instead of printing it")

	var refresh bool
	adaptersCmd := &cobra.Command{
		Use:   "adapters",
		Short: "Show virtual adapter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := client().Adapters(refresh)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Used: %d\nAvailable: %d\n", counts.Used, counts.Available)
			return nil
		},
	}
	adaptersCmd.Flags().BoolVar(&refresh, "refresh", false, "Re-enumerate adapters first")

	resetCmd := &cobra.Command{
		Use:   "reset-network",
		Short: "Reset host networking",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ResetNetwork(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Network reset complete")
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client().Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n", info.Name, info.Version, info.GitCommit, info.Platform)
			return nil
		},
	}

	root.AddCommand(startCmd, stopCmd, statusCmd, logCmd, adaptersCmd, resetCmd, versionCmd)
	return root
}

func runStart(out io.Writer, client *APIClient, id, path, password string, wait bool, timeout time.Duration) error {
	view, err := client.Start(id, path, password)
	if errors.Is(err, session.ErrAlreadyRunning) {
		fmt.Fprintf(out, "Already running: %s (%s)\n", id, view.Status)
		return nil
	}
	if err != nil {
		return err
	}

	if !wait {
		fmt.Fprintf(out, "Started: %s (%s)\n", id, view.Status)
		return nil
	}

	view, err = client.WaitConnected(id, timeout, 250*time.Millisecond)
	if errors.Is(err, ErrConnectTimeout) {
		// Leave nothing half-connected behind.
		if stopErr := client.Stop(id); stopErr != nil {
			return fmt.Errorf("%w (stop failed: %v)", err, stopErr)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}

	fmt.Fprintf(out, "Connected: %s (server %s, client %s)\n", id, view.ServerAddr, view.ClientAddr)
	return nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printStatus(out io.Writer, status map[string]session.View) {
	if len(status) == 0 {
		fmt.Fprintln(out, "No sessions")
		return
	}

	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSINCE\tSERVER\tCLIENT")
	for _, id := range ids {
		v := status[id]
		since := time.Unix(v.Timestamp, 0).Format(time.DateTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, v.Status, since, dash(v.ServerAddr), dash(v.ClientAddr))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
