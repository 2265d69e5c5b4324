package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oceanbase/powermem-hotcold/pkg/core"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	envFile    string
	configFile string
	formatFlag string
)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Operate a PowerMem memory store",
	Long: "memctl replays conversation history into the memory store, checks HOT retrieval, " +
		"deletes a user's memories, sweeps expired documents and lists dead-lettered events.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Load environment from this .env file")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file (overrides the environment)")
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// loadConfig resolves the configuration: --config wins, then --env, then
// the process environment with the usual .env search.
func loadConfig() (*core.Config, error) {
	switch {
	case configFile != "":
		return core.LoadConfigFromYAML(configFile)
	case envFile != "":
		return core.LoadConfigFromEnvFile(envFile)
	default:
		return core.LoadConfigFromEnv()
	}
}

// openClient builds a client for a one-shot command. Workers are not
// started; commands call the synchronous operations directly.
func openClient() *core.Client {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	logging.SetDefault(logging.New(cfg.LogLevel, os.Stderr))

	client, err := core.NewClient(cfg, core.WithLogger(logging.Default()))
	if err != nil {
		exitErr("open client", err)
	}
	return client
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
