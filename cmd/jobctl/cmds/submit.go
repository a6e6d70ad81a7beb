package cmds

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeml/orchestrator/internal/types"
)

var (
	specFile string
	follow   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job spec from a JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return fmt.Errorf("failed to read spec file: %w", err)
		}

		var spec types.JobSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("failed to parse spec file: %w", err)
		}

		var resp struct {
			JobID  string          `json:"job_id"`
			Status types.JobStatus `json:"status"`
		}
		err = doJSON(
			cmd.Context(),
			http.MethodPost,
			"/v1/jobs/",
			bytes.NewReader(data),
			&resp,
		)
		if err != nil {
			return err
		}

		if !follow {
			return printJSON(cmd, resp)
		}
		return waitTerminal(cmd, resp.JobID)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&specFile, "spec", "f", "", "path to the job spec JSON")
	submitCmd.Flags().
		BoolVar(&follow, "follow", false, "poll until the job reaches a terminal state")
	_ = submitCmd.MarkFlagRequired("spec")
}

func waitTerminal(cmd *cobra.Command, jobID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var job map[string]any
		err := doJSON(cmd.Context(), http.MethodGet, "/v1/jobs/"+jobID+"/", nil, &job)
		if err != nil {
			return err
		}

		status, _ := job["status"].(string)
		if types.JobStatus(status).Terminal() {
			return printJSON(cmd, job)
		}

		select {
		case <-cmd.Context().Done():
			return errors.New("interrupted while waiting for the job to settle")
		case <-ticker.C:
		}
	}
}
