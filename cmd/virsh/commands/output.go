package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

// print writes v as yaml, or calls table for the human format.
func (a *app) print(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.output == outputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	}
	table(w)
	return nil
}

func (a *app) done(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}

func colorState(s fmt.Stringer, good, bad bool) string {
	switch {
	case good:
		return color.GreenString(s.String())
	case bad:
		return color.RedString(s.String())
	default:
		return color.YellowString(s.String())
	}
}

func domainState(s domain.State) string {
	return colorState(s, s == domain.StateRunning, s == domain.StateShutoff || s == domain.StateCrashed)
}

type activeState bool

func (s activeState) String() string {
	if s {
		return "active"
	}
	return "inactive"
}

func activeColor(active bool) string {
	return colorState(activeState(active), active, !active)
}

func displayID(id int) string {
	if id == domain.NoID {
		return "-"
	}
	return strconv.Itoa(id)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
