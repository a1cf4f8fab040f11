package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfold/witness/directory"
	"github.com/keyfold/witness/engine"
	"github.com/keyfold/witness/node"
)

var flagConfig string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the witness daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := node.LoadConfig(flagConfig, cmd.Flags())
		if err != nil {
			return err
		}

		n, err := node.New(cmd.Context(), cfg, cfg.Logger())
		if err != nil {
			return err
		}
		return n.Run(cmd.Context())
	},
}

func init() {
	fs := runCmd.Flags()
	fs.StringVar(&flagConfig, "config", "", "path to a config file")
	fs.String("network-id", "keyfold", "network name scoping gossip to one quorum")
	fs.String("self", "", "this node's member id from the membership file")
	fs.StringSlice("listen", nil, "libp2p listen multiaddrs")
	fs.StringSlice("peers", nil, "peer multiaddrs to connect to on startup")
	fs.String("data-dir", "", "directory holding keys, membership and the ledger")
	fs.String("members-file", "", "membership file (default <data-dir>/members.json)")
	fs.String("quorum-key-file", "", "quorum public key file (default <data-dir>/quorum.json)")
	fs.String("share-file", "", "secret share file (default <data-dir>/share.json)")
	fs.Int("threshold", 0, "t of the t-of-n quorum")
	fs.Uint64("window", engine.DefaultWindow, "epochs admitted past the committed watermark")
	fs.Duration("epoch-timeout", engine.DefaultEpochTimeout, "time before an uncommitted epoch expires")
	fs.String("metrics-addr", "", "prometheus listen address, empty disables metrics")
	fs.Duration("poll-interval", directory.DefaultInterval, "directory poll interval")
	fs.Uint64("poll-ahead", directory.DefaultAhead, "epochs fetched ahead of the watermark per poll")
	fs.Bool("synthetic-directory", false, "publish random epochs from an in-process directory")
	fs.Duration("synthetic-interval", 30*time.Second, "synthetic epoch publication interval")
	fs.String("log-level", "info", "debug, info, warn or error")
}
