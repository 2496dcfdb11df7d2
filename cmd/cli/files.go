package cli

// cmd/cli/files.go — direct local blob access against a FileIndex, bypassing
// the running daemon's control socket entirely. Adapted from the teacher's
// storage.go (the --cache/--ledger flag pattern) and content_node.go (the
// upload/retrieve shape), generalised from IPFS-gateway pinning to the
// digest-addressed file-replication store.
// ----------------------------------------------------------------------------

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filenet/core"
)

var filesStoreRoot string

func openLocalIndex() (*core.FileIndex, error) {
	root := filesStoreRoot
	if root == "" {
		root = os.Getenv("FILENET_STORE_ROOT")
	}
	if root == "" {
		root = "./filenet-data"
	}
	store, err := core.NewDiskStore(root)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", root, err)
	}
	return core.NewFileIndex(store), nil
}

var filesCmd = &cobra.Command{
	Use:     "~local-files",
	Aliases: []string{"files-local"},
	Short:   "Direct local blob access against the on-disk file index (no daemon required)",
}

var filesPutCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Ingest a local file directly into the on-disk index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		index, err := openLocalIndex()
		if err != nil {
			return err
		}
		logger := logrus.New()
		engine := core.NewEngine(logger, nil, index, core.NewWorkingSet())
		digest, err := engine.Ingest(args[0], data, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "file_digest: %s\n", hex.EncodeToString(digest[:]))
		return nil
	},
}

var filesGetCmd = &cobra.Command{
	Use:   "get <file-digest> [output|-]",
	Short: "Reassemble a file's parts from the on-disk index",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		digestBytes, err := hex.DecodeString(args[0])
		if err != nil || len(digestBytes) != 32 {
			return errors.New("file-digest must be a 32-byte hex string")
		}
		var digest core.Digest256
		copy(digest[:], digestBytes)

		index, err := openLocalIndex()
		if err != nil {
			return err
		}
		header, ok, err := index.GetHeader(digest)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unknown file digest %s", args[0])
		}
		buf := make([]byte, 0, header.TotalSize)
		for i := uint32(0); i < header.PartCount; i++ {
			part, ok, err := index.GetPart(digest, i)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("missing part %d of %d (file not fully replicated locally)", i, header.PartCount)
			}
			buf = append(buf, part.Data...)
		}

		out := "-"
		if len(args) == 2 {
			out = args[1]
		}
		if out == "-" {
			_, err := os.Stdout.Write(buf)
			return err
		}
		return os.WriteFile(out, buf, 0o644)
	},
}

func init() {
	filesCmd.PersistentFlags().StringVar(&filesStoreRoot, "store", "", "on-disk store root (default ./filenet-data, or $FILENET_STORE_ROOT)")
	filesCmd.AddCommand(filesPutCmd, filesGetCmd)
}

// LocalFilesCmd exposes direct local blob access commands.
var LocalFilesCmd = filesCmd

// RegisterLocalFiles adds the local-files commands to the root CLI.
func RegisterLocalFiles(root *cobra.Command) { root.AddCommand(LocalFilesCmd) }
