package cmds

import (
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job, or the cluster status when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/status/"
		if len(args) == 1 {
			path = "/v1/jobs/" + args[0] + "/"
		}

		var out map[string]any
		if err := doJSON(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}
