package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/camfeed/internal/params"
	"github.com/smazurov/camfeed/internal/session"
)

// CreateParamsCmd creates the params command.
func CreateParamsCmd() *cobra.Command {
	var flags pipelineFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "params [name[=value] ...]",
		Short: "Describe, read and write device parameters",
		Long: `Without arguments prints every common parameter with its bounds. ` +
			`"name" describes one parameter; "name=value" writes it (numbers are clamped ` +
			`and rounded to the node increment) and prints the applied value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, sess, cleanup, err := flags.open(cmd.Context(), "params")
			if err != nil {
				return err
			}
			defer cleanup()

			descs, err := runParams(mgr, sess.ID(), args)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			return printParams(cmd.OutOrStdout(), descs)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// runParams applies the writes in args, in order, and describes every
// parameter named in args, or every common one when args is empty.
func runParams(mgr *session.Manager, id string, args []string) ([]params.Description, error) {
	var names []string
	for _, arg := range args {
		name, value, isSet := strings.Cut(arg, "=")
		if name == "" {
			return nil, fmt.Errorf("invalid argument %q", arg)
		}
		if isSet {
			if _, err := mgr.SetParameter(id, name, value); err != nil {
				return nil, fmt.Errorf("set %s: %w", name, err)
			}
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = params.Common
	}

	descs := make([]params.Description, 0, len(names))
	for _, name := range names {
		d, err := mgr.DescribeParameter(id, name)
		if err != nil {
			if len(args) == 0 {
				continue // the device lacks an optional common node
			}
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func printParams(w io.Writer, descs []params.Description) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVALUE\tMIN\tMAX\tINC\tACCESS")
	for _, d := range descs {
		access := "ro"
		if d.Writable {
			access = "rw"
		}
		if d.Locked {
			access += " (locked)"
		}
		bounds := []string{cell(d.Minimum), cell(d.Maximum), cell(d.Increment)}
		if len(d.Entries) > 0 {
			bounds = []string{strings.Join(d.Entries, ","), "", ""}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name, cell(d.Value), bounds[0], bounds[1], bounds[2], access)
	}
	return tw.Flush()
}

func cell(v any) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
