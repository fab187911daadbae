package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nepi-go/nepi/pkg/execution"
)

func newTypesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types [type]",
		Short: "List resource types and their attributes",
		Example: `  # List every type
  nepi types

  # Show the attributes of one type
  nepi types linux::Application`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(context.Background()) }()

			types := env.registry.Types()
			if len(args) == 1 {
				info, err := env.registry.Lookup(args[0])
				if err != nil {
					return err
				}
				types = []execution.TypeInfo{info}
			}

			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				type attribute struct {
					Name        string `json:"name"`
					Type        string `json:"type"`
					Default     any    `json:"default,omitempty"`
					Flags       string `json:"flags,omitempty"`
					Description string `json:"description,omitempty"`
				}
				type resourceType struct {
					Name        string      `json:"name"`
					Description string      `json:"description,omitempty"`
					Attributes  []attribute `json:"attributes"`
				}
				out := make([]resourceType, 0, len(types))
				for _, info := range types {
					rt := resourceType{Name: info.Name, Description: info.Description}
					for _, a := range info.Attributes {
						rt.Attributes = append(rt.Attributes, attribute{
							Name: a.Name, Type: a.Type.String(), Default: a.Default,
							Flags: a.Flags.String(), Description: a.Description,
						})
					}
					out = append(out, rt)
				}
				return writeJSON(w, out)
			}

			for i, info := range types {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%s\t%s\n", info.Name, info.Description)
				if len(args) == 0 && !opts.verbose {
					continue
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "  ATTRIBUTE\tTYPE\tDEFAULT\tFLAGS\tDESCRIPTION")
				for _, a := range info.Attributes {
					def := ""
					if a.Default != nil {
						def = fmt.Sprint(a.Default)
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", a.Name, a.Type, def, a.Flags, a.Description)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	return cmd
}
