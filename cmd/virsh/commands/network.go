package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

var networkGroup = &cobra.Group{
	ID:    "network",
	Title: "Network Management",
}

func networkCommands(a *app) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "net-list",
			Short: "List networks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				nets, err := a.conn.ListNetworks(cmd.Context(), 0)
				if err != nil {
					return errors.Errorf("listing networks: %w", err)
				}
				return a.print(cmd, nets, func(w io.Writer) {
					fmt.Fprintf(w, " %-20s %-10s %-8s %s\n", "Name", "State", "Forward", "Bridge")
					fmt.Fprintln(w, "--------------------------------------------------")
					for _, n := range nets {
						fmt.Fprintf(w, " %-20s %-10s %-8s %s\n", n.Name, activeColor(n.Active), n.Forward, n.Bridge)
					}
				})
			},
		},
		{
			Use:   "net-define <file>",
			Short: "Define a network from an XML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := readFile(args[0])
				if err != nil {
					return err
				}
				n, err := a.conn.DefineNetwork(cmd.Context(), xml, 0)
				if err != nil {
					return errors.Errorf("defining network: %w", err)
				}
				a.done(cmd, "Network %s defined from %s", n.Name, args[0])
				return nil
			},
		},
		{
			Use:   "net-start <name>",
			Short: "Start a network",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.CreateNetwork(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("starting network: %w", err)
				}
				a.done(cmd, "Network %s started", args[0])
				return nil
			},
		},
		{
			Use:   "net-destroy <name>",
			Short: "Stop a network",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.DestroyNetwork(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("destroying network: %w", err)
				}
				a.done(cmd, "Network %s destroyed", args[0])
				return nil
			},
		},
		{
			Use:   "net-undefine <name>",
			Short: "Remove a network definition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.UndefineNetwork(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("undefining network: %w", err)
				}
				a.done(cmd, "Network %s has been undefined", args[0])
				return nil
			},
		},
	}

	for _, cmd := range cmds {
		cmd.GroupID = networkGroup.ID
	}
	return cmds
}
