package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keyfold/witness/crypto/tbls"
	"github.com/keyfold/witness/quorum"
)

var (
	flagThreshold int
	flagNodes     int
	flagMembers   []string
	flagOutDir    string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Deal a fresh quorum key and write one bundle per member",
	Long: `Deal samples a threshold key and splits it so that any t members can
produce the quorum signature. Each member gets a directory with the quorum
public key, its own secret share and the membership file, ready to use as
the daemon's data-dir. The dealer learns the full secret, so run this on a
trusted machine and wipe it afterwards.`,
	RunE: func(*cobra.Command, []string) error {
		ids := flagMembers
		if len(ids) == 0 {
			for i := 0; i < flagNodes; i++ {
				ids = append(ids, fmt.Sprintf("witness-%d", i))
			}
		}

		members := make([]quorum.Member, len(ids))
		for i, id := range ids {
			members[i] = quorum.Member{ID: id, Index: i}
		}
		if _, err := quorum.NewMembers(flagThreshold, members); err != nil {
			return err
		}

		key, secs, err := tbls.Deal(flagThreshold, len(ids))
		if err != nil {
			return err
		}
		membersJSON, err := json.MarshalIndent(members, "", "  ")
		if err != nil {
			return err
		}

		for i, id := range ids {
			dir := filepath.Join(flagOutDir, id)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			if err := key.WriteFile(filepath.Join(dir, "quorum.json")); err != nil {
				return err
			}
			if err := secs[i].WriteFile(filepath.Join(dir, "share.json")); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "members.json"), membersJSON, 0o644); err != nil {
				return err
			}
		}

		fmt.Printf("dealt a %d-of-%d quorum key into %s\n", flagThreshold, len(ids), flagOutDir)
		fmt.Println("move each member directory to its machine and point --data-dir at it,")
		fmt.Println("then fill the peer fields of members.json with the addresses the nodes print")
		return nil
	},
}

func init() {
	fs := keygenCmd.Flags()
	fs.IntVar(&flagThreshold, "threshold", 3, "shares required to sign, t of t-of-n")
	fs.IntVar(&flagNodes, "nodes", 4, "number of members when --members is not given")
	fs.StringSliceVar(&flagMembers, "members", nil, "explicit member ids, one share each")
	fs.StringVar(&flagOutDir, "outdir", "keys", "output directory, one subdirectory per member")
}
