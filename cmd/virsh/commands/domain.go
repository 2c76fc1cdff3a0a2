package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/walteh/minivirt/pkg/diff"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
)

var domainGroup = &cobra.Group{
	ID:    "domain",
	Title: "Domain Management",
}

type domainRow struct {
	ID     int    `yaml:"id"`
	Name   string `yaml:"name"`
	UUID   string `yaml:"uuid"`
	State  string `yaml:"state"`
	Reason string `yaml:"reason"`
}

type domainInfo struct {
	Name       string  `yaml:"name"`
	UUID       string  `yaml:"uuid"`
	ID         int     `yaml:"id"`
	State      string  `yaml:"state"`
	Reason     string  `yaml:"reason"`
	MaxMemMiB  int     `yaml:"maxMemMiB"`
	VCPUs      int     `yaml:"vcpus"`
	PID        int     `yaml:"pid"`
	RSSBytes   uint64  `yaml:"rssBytes,omitempty"`
	CPUSeconds float64 `yaml:"cpuSeconds,omitempty"`
}

func domainCommands(a *app) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "list",
			Short: "List all domains",
			Args:  cobra.NoArgs,
			RunE:  a.listDomains,
		},
		{
			Use:   "dominfo <name>",
			Short: "Show domain information",
			Args:  cobra.ExactArgs(1),
			RunE:  a.domainInfo,
		},
		{
			Use:   "dumpxml <name>",
			Short: "Print the domain XML description",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := a.conn.GetXMLDesc(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), xml)
				return nil
			},
		},
		{
			Use:   "define <file>",
			Short: "Define a domain from an XML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := readFile(args[0])
				if err != nil {
					return err
				}
				previous := a.previousXML(cmd, xml)
				dom, err := a.conn.Define(cmd.Context(), xml)
				if err != nil {
					return errors.Errorf("defining domain: %w", err)
				}
				a.done(cmd, "Domain %s defined from %s", dom.Name, args[0])
				if previous != "" {
					current, err := a.conn.GetXMLDesc(cmd.Context(), dom.Name)
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), diff.Pretty(diff.Unified(dom.Name+".xml", previous, current)))
				}
				return nil
			},
		},
		{
			Use:   "undefine <name>",
			Short: "Remove a domain definition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.Undefine(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("undefining domain: %w", err)
				}
				a.done(cmd, "Domain %s has been undefined", args[0])
				return nil
			},
		},
		{
			Use:   "start <name>",
			Short: "Start a defined domain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := a.conn.Create(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("starting domain: %w", err)
				}
				a.done(cmd, "Domain %s started", args[0])
				return nil
			},
		},
		{
			Use:   "create <file>",
			Short: "Create and start a transient domain from an XML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				xml, err := readFile(args[0])
				if err != nil {
					return err
				}
				dom, err := a.conn.CreateXML(cmd.Context(), xml)
				if err != nil {
					return errors.Errorf("creating domain: %w", err)
				}
				a.done(cmd, "Domain %s created from %s", dom.Name, args[0])
				return nil
			},
		},
		{
			Use:   "destroy <name>",
			Short: "Kill a running domain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.Destroy(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("destroying domain: %w", err)
				}
				a.done(cmd, "Domain %s destroyed", args[0])
				return nil
			},
		},
		{
			Use:   "shutdown <name>",
			Short: "Ask a running domain to quit",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.conn.Shutdown(cmd.Context(), args[0]); err != nil {
					return errors.Errorf("shutting down domain: %w", err)
				}
				a.done(cmd, "Domain %s is being shutdown", args[0])
				return nil
			},
		},
		{
			Use:   "status <name>",
			Short: "Show the domain state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				state, reason, err := a.conn.GetState(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				row := domainRow{Name: args[0], State: state.String(), Reason: string(reason)}
				return a.print(cmd, row, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s)\n", domainState(state), reason)
				})
			},
		},
		attachDeviceCmd(a),
	}

	for _, cmd := range cmds {
		cmd.GroupID = domainGroup.ID
	}
	return cmds
}

func attachDeviceCmd(a *app) *cobra.Command {
	var flags uint
	cmd := &cobra.Command{
		Use:   "attach-device <name> <file>",
		Short: "Add a device to a domain definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := readFile(args[1])
			if err != nil {
				return err
			}
			if err := a.conn.AttachDevice(cmd.Context(), args[0], xml, flags); err != nil {
				return errors.Errorf("attaching device: %w", err)
			}
			a.done(cmd, "Device attached successfully")
			return nil
		},
	}
	cmd.Flags().UintVar(&flags, "flags", 0, "attach flags")
	return cmd
}

// previousXML returns the stored description of the domain xml names, or ""
// when it is not defined yet.
func (a *app) previousXML(cmd *cobra.Command, xml string) string {
	def, err := domain.Parse(cmd.Context(), xml)
	if err != nil {
		return ""
	}
	previous, err := a.conn.GetXMLDesc(cmd.Context(), def.Name)
	if err != nil {
		return ""
	}
	return previous
}

func (a *app) listDomains(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doms, err := a.conn.ListAllDomains(ctx, 0)
	if err != nil {
		return errors.Errorf("listing domains: %w", err)
	}

	rows := make([]domainRow, 0, len(doms))
	states := make([]domain.State, 0, len(doms))
	for _, dom := range doms {
		state, reason, err := a.conn.GetState(ctx, dom.Name)
		if err != nil {
			return err
		}
		rows = append(rows, domainRow{ID: dom.ID, Name: dom.Name, UUID: dom.UUID, State: state.String(), Reason: string(reason)})
		states = append(states, state)
	}

	return a.print(cmd, rows, func(w io.Writer) {
		fmt.Fprintf(w, " %-5s %-30s %s\n", "Id", "Name", "State")
		fmt.Fprintln(w, "--------------------------------------------------")
		for i, row := range rows {
			fmt.Fprintf(w, " %-5s %-30s %s\n", displayID(row.ID), row.Name, domainState(states[i]))
		}
	})
}

func (a *app) domainInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dom, err := a.conn.LookupByName(ctx, args[0])
	if err != nil {
		return err
	}
	info, err := a.conn.GetInfo(ctx, args[0])
	if err != nil {
		return err
	}

	out := domainInfo{
		Name:       dom.Name,
		UUID:       dom.UUID,
		ID:         info.ID,
		State:      info.State.String(),
		Reason:     string(info.Reason),
		MaxMemMiB:  info.MaxMemMiB,
		VCPUs:      info.VCPUs,
		PID:        info.PID,
		RSSBytes:   info.RSSBytes,
		CPUSeconds: info.CPUSeconds,
	}

	return a.print(cmd, out, func(w io.Writer) {
		fmt.Fprintf(w, "%-15s %s\n", "Id:", displayID(info.ID))
		fmt.Fprintf(w, "%-15s %s\n", "Name:", dom.Name)
		fmt.Fprintf(w, "%-15s %s\n", "UUID:", dom.UUID)
		fmt.Fprintf(w, "%-15s %s\n", "State:", domainState(info.State))
		fmt.Fprintf(w, "%-15s %d\n", "CPU(s):", info.VCPUs)
		fmt.Fprintf(w, "%-15s %d MiB\n", "Max memory:", info.MaxMemMiB)
		if info.PID > 0 {
			fmt.Fprintf(w, "%-15s %d\n", "PID:", info.PID)
			fmt.Fprintf(w, "%-15s %d KiB\n", "Used memory:", info.RSSBytes/1024)
			fmt.Fprintf(w, "%-15s %.1fs\n", "CPU time:", info.CPUSeconds)
		}
	})
}
