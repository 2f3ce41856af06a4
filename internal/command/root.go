package command

import "github.com/spf13/cobra"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "termdesk",
		Short:         "Collaborative terminal sessions over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newServeCmd())

	return cmd
}
