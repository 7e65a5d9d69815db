package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "consync",
		Short:         "Consultation sync: reconciles Chat conversations with ERP consultations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(newServeCmd(), newSyncCmd(), newMigrateCmd(), newTokenCmd())
	return root
}
