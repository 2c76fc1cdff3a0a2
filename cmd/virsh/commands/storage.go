package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/walteh/minivirt/pkg/storage"
	"gitlab.com/tozd/go/errors"
)

var storageGroup = &cobra.Group{
	ID:    "storage",
	Title: "Storage Pool and Volume Management",
}

func storageCommands(a *app) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "pool-list",
			Short: "List storage pools",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				pools, err := a.conn.ListPools(cmd.Context(), 0)
				if err != nil {
					return errors.Errorf("listing pools: %w", err)
				}
				return a.print(cmd, pools, func(w io.Writer) {
					fmt.Fprintf(w, " %-20s %-12s %s\n", "Name", "State", "Path")
					fmt.Fprintln(w, "--------------------------------------------------")
					for _, p := range pools {
						fmt.Fprintf(w, " %-20s %-12s %s\n", p.Name, poolState(p.State), p.Path)
					}
				})
			},
		},
		{
			Use:   "pool-define <file>",
			Short: "Define a storage pool from an XML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := readFile(args[0])
				if err != nil {
					return err
				}
				p, err := a.conn.DefinePool(cmd.Context(), xml, 0)
				if err != nil {
					return errors.Errorf("defining pool: %w", err)
				}
				a.done(cmd, "Pool %s defined from %s", p.Name, args[0])
				return nil
			},
		},
		{
			Use:   "pool-start <name>",
			Short: "Start a storage pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.CreatePool(cmd.Context(), args[0], 0); err != nil {
					return errors.Errorf("starting pool: %w", err)
				}
				a.done(cmd, "Pool %s started", args[0])
				return nil
			},
		},
		{
			Use:   "pool-destroy <name>",
			Short: "Stop a storage pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.DestroyPool(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("destroying pool: %w", err)
				}
				a.done(cmd, "Pool %s destroyed", args[0])
				return nil
			},
		},
		{
			Use:   "pool-undefine <name>",
			Short: "Remove a storage pool definition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.UndefinePool(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("undefining pool: %w", err)
				}
				a.done(cmd, "Pool %s has been undefined", args[0])
				return nil
			},
		},
		{
			Use:   "vol-list <pool>",
			Short: "List the volumes of a pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				vols, err := a.conn.ListVolumes(cmd.Context(), args[0])
				if err != nil {
					return errors.Errorf("listing volumes: %w", err)
				}
				return a.print(cmd, vols, func(w io.Writer) {
					fmt.Fprintf(w, " %-20s %-8s %-12s %s\n", "Name", "Format", "Capacity", "Path")
					fmt.Fprintln(w, "--------------------------------------------------")
					for _, v := range vols {
						fmt.Fprintf(w, " %-20s %-8s %-12d %s\n", v.Name, v.Format, v.Capacity, v.Path)
					}
				})
			},
		},
		{
			Use:   "vol-create <pool> <file>",
			Short: "Create a volume from an XML file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := readFile(args[1])
				if err != nil {
					return err
				}
				vol, err := a.conn.CreateVolume(cmd.Context(), args[0], xml, 0)
				if err != nil {
					return errors.Errorf("creating volume: %w", err)
				}
				a.done(cmd, "Vol %s created from %s", vol.Name, args[1])
				return nil
			},
		},
		{
			Use:   "vol-delete <pool> <name>",
			Short: "Delete a volume",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.DeleteVolume(cmd.Context(), args[0], args[1]); err != nil {
					return errors.Errorf("deleting volume: %w", err)
				}
				a.done(cmd, "Vol %s deleted", args[1])
				return nil
			},
		},
	}

	for _, cmd := range cmds {
		cmd.GroupID = storageGroup.ID
	}
	return cmds
}

func poolState(s storage.PoolState) string {
	return colorState(s, s == storage.PoolRunning, s == storage.PoolInactive || s == storage.PoolInaccessible)
}
