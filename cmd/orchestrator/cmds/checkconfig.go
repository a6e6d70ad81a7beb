package cmds

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/forgeml/orchestrator/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.GetConfig()
		if err != nil {
			return err
		}

		// secrets stay out of the printout
		printable := *cfg
		if printable.Postgres != nil {
			postgres := *printable.Postgres
			postgres.Password = "<redacted>"
			printable.Postgres = &postgres
		}
		if printable.S3Archive != nil {
			s3 := *printable.S3Archive
			s3.SecretAccessKey = "<redacted>"
			printable.S3Archive = &s3
		}

		data, err := json.MarshalIndent(printable, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	},
}
