/*
main.go - toild entry point

PURPOSE:
  Command-line front end for the TOIL ledger server. Runs the HTTP API and
  offers the operator commands needed before anyone can log in.

COMMANDS:
  serve              Start the HTTP server (graceful shutdown on SIGINT/SIGTERM)
  user add           Create or update a user record
  user role          Set a user's role directly (bootstrap the first manager)
  user list          List users
  token USER_ID      Print a bearer token for a user

CONFIGURATION:
  --config / -c      YAML config file (default: toild.yaml, optional)
  TOIL_AUTH_SECRET   Overrides auth.secret
  TOIL_DB_PATH       Overrides database.path

EXAMPLES:
  # First run
  TOIL_AUTH_SECRET=change-me-please-0123 toild user add --id mgr --name "Morgan" --email morgan@example.com --role manager
  TOIL_AUTH_SECRET=change-me-please-0123 toild token mgr
  TOIL_AUTH_SECRET=change-me-please-0123 toild serve

SEE ALSO:
  - config/config.go: File format and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/toil-ledger/config"
	"github.com/warp/toil-ledger/store/sqlite"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "toild",
	Short:         "toild runs the TOIL ledger",
	Long:          "toild records overtime worked (ADD) and time off taken (TAKE), routes each entry through manager approval and serves balances over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "toild.yaml", "the config file to use")
}

// loadConfig reads the config file, falling back to defaults plus
// environment when the default file is absent, and configures logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Load("")
	}
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Logging.ConfigureLogger(log.StandardLogger()); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	log.WithField("path", cfg.Database.Path).Debug("Opened database")
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
