package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-netcore/control"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run:   dumpConfig,
}

func dumpConfig(_ *cobra.Command, _ []string) {
	cfg, err := control.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("error loading config (%v)", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		logrus.Fatalf("error rendering config (%v)", err)
	}
	_, _ = os.Stdout.Write(out)
}
