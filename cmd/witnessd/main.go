// witnessd runs one member of a witness quorum: it audits a key directory
// epoch by epoch and co-signs the epochs the quorum agrees on.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "witnessd",
	Short:        "Quorum witness for an audited key directory",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd, keygenCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
