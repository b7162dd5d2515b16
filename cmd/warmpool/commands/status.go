package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue sizes for every pool",
		Long: `Read the inventory store and print, for every configured pool, the
number of VMs in each queue, the pool's deficit against its target size
and the global clone counter.`,
		Example: `  # Table output
  warmpool status

  # Machine-readable output
  warmpool status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := engine.CollectStatus(cmd.Context(), cfg, store)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}

	return cmd
}

func printStatus(out io.Writer, status *engine.Status) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprint(w, "POOL\tPROVIDER\tSIZE")
	for _, q := range stores.Queues {
		fmt.Fprintf(w, "\t%s", q)
	}
	fmt.Fprint(w, "\tDEFICIT\tEMPTY\n")

	for _, ps := range status.Pools {
		fmt.Fprintf(w, "%s\t%s\t%d", ps.Pool, ps.Provider, ps.Size)
		for _, q := range stores.Queues {
			fmt.Fprintf(w, "\t%d", ps.Queues[q])
		}
		fmt.Fprintf(w, "\t%d\t%t\n", ps.Deficit(), ps.Empty)
	}

	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nclone tasks: %d/%d\n", status.CloneTasks, status.TaskLimit)
	return err
}
