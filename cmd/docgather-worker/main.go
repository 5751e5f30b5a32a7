// docgather-worker is the document-processing worker process: it consumes
// the Redis job queues, runs the per-document orchestrator and subtask
// handlers, and serves the HTTP control surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docgather-worker",
	Short: "docgather document-processing worker",
	Long: `docgather-worker runs the document-processing pipeline: a reactive
per-document orchestrator over Redis queues, subtask workers for conversion,
extraction, image preparation and LLM calls, and an HTTP surface for enqueue
and liveness.`,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
