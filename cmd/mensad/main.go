// Mensad - thread orchestration daemon for the Mensa desktop client.
//
// Manages a registry of conversation threads, binds each thread to at
// most one worker process and persists everything to SQLite.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "mensad",
	Short: "Mensad - thread orchestration daemon",
	Long: `Mensad manages conversation threads and their worker processes.

  mensad serve                               Start the daemon
  mensad new --workspace /path/to/project    Create a thread
  mensad list                                List threads
  mensad send <id> "message"                 Send a message to a thread
  mensad watch <id>                          Stream a thread's events
  mensad switch <id>                         Make a thread visible
  mensad archive <id>                        Archive a thread`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("MENSAD_SERVER", "http://localhost:7180"), "Mensad server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
