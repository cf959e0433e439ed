package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var schoolsCmd = &cobra.Command{
	Use:   "schools",
	Short: "Build or read the cached school table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, cleanup, err := newPipeline(ctx, pipelineOptions{retries: 1})
		if err != nil {
			return err
		}
		defer cleanup()

		schools, err := p.InitSchools(ctx)
		if err != nil {
			return eris.Wrap(err, "init schools")
		}
		_, _ = fmt.Fprintf(os.Stdout, "%d schools, columns: %v\n", schools.Len(), schools.Names())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schoolsCmd)
}
