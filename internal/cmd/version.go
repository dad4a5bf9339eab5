package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("output")
		info := struct {
			buildInfo `yaml:",inline"`
			GoVersion string `json:"go_version" yaml:"go_version"`
		}{versionInfo, runtime.Version()}

		switch format {
		case "json", "yaml":
			_, err := encode(os.Stdout, format, info)
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "clipforge %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringP("output", "o", "text", "Output format: text, json, yaml")
}
