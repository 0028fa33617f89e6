// Jenga runs autonomous coding agents inside sandboxed workspaces and
// grades what they build.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jenga",
	Short: "Jenga runs and grades autonomous coding agents in sandboxed workspaces.",
	Long: `Jenga gives a model a fresh workspace, a closed set of tools, and a task,
then runs the agent loop until the task finishes or the step budget runs out.
Finished workspaces can be graded with a mechanical install/build/serve gate
and an optional rubric-based judge.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, gradeCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
