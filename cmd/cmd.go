// Package cmd implements the stepcache command line.
package cmd

import (
	"cmp"
	"io"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/stepcache/envconfig"
	"github.com/ollama/stepcache/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stepcache",
		Short: "Step skipping cache for diffusion sampling",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.SetDefault(os.Stderr, envconfig.LogLevel())
		},
	}

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "List environment variables",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}

	rootCmd.AddCommand(
		NewSimulateCmd(),
		envCmd,
	)

	return rootCmd
}

func envHandler(cmd *cobra.Command, _ []string) error {
	vars := make([]envconfig.EnvVar, 0, len(envconfig.AsMap()))
	for _, v := range envconfig.AsMap() {
		vars = append(vars, v)
	}

	slices.SortFunc(vars, func(a, b envconfig.EnvVar) int {
		return cmp.Compare(a.Name, b.Name)
	})

	values := envconfig.Values()

	var data [][]string
	for _, v := range vars {
		data = append(data, []string{v.Name, values[v.Name], v.Description})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
