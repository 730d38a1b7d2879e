// stepline turns uploaded training videos into time-coded steps and
// answers questions about them.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "stepline",
		Short:         "Video training modules pipeline and Q&A service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newReapCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
