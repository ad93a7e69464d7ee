// Enclave — run untrusted commands inside isolated, resource-bounded containers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Enclave — run commands inside an isolated, resource-bounded container.",
	Long: `Enclave runs an arbitrary command inside an isolated container instead of
directly on the host: non-root user, no network, capped memory, CPU and
process count, with a single explicit workspace mount. Every container
that is started is removed again, even when enclave is killed mid-run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, pullCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
