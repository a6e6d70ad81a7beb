package cmds

import (
	"net/http"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not yet reached a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		err := doJSON(cmd.Context(), http.MethodDelete, "/v1/jobs/"+args[0]+"/", nil, &out)
		if err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}
