package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ionlink/pkg/config"
)

// configureLogger applies --log-level to cfg and builds the logger. Without
// the flag the CLI stays silent (panic level) so log lines do not interleave
// with command output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	switch logLevelStr {
	case "":
		cfg.LogLevel = "silent"
	case "debug", "info", "warn", "error":
		cfg.LogLevel = logLevelStr
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
	}
	return cfg.NewLogger(), nil
}
