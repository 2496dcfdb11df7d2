// cmd/cli/replication.go – file-replication engine CLI
// -----------------------------------------------------------------------------
// Provides operational control over the file-replication subsystem via the
// unified route "~files". All commands rely on a newline-framed JSON-RPC
// control socket exposed by the running node, the same transport shape this
// CLI's block-replication control used.
//
// Top-level commands (declared first):
//   • start    – launch the replication engine and scheduler (idempotent)
//   • stop     – terminate them gracefully
//   • status   – show a file's replication state, or overall cache sizes
//   • ingest   – register a local file for replication
//   • probe    – manually trigger a CHECK-HEADER round for a file digest
//   • purge    – delete a file's header/descriptor/parts (operator-only)
// -----------------------------------------------------------------------------
// Examples
//   filenet ~files start
//   filenet ~files status --format=json
//   filenet ~files ingest ./report.csv
//   filenet ~files probe deadbeef…cafebabe
//   filenet ~files purge deadbeef…cafebabe
// -----------------------------------------------------------------------------
// Environment
//   FILENET_REPL_API_ADDR – host:port of the node's control socket (default "127.0.0.1:7950")
// -----------------------------------------------------------------------------

package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// -----------------------------------------------------------------------------
// Middleware – thin framed JSON/TCP client
// -----------------------------------------------------------------------------

type replClient struct {
	conn net.Conn
	rd   *bufio.Reader
}

func newReplClient(ctx context.Context) (*replClient, error) {
	addr := viper.GetString("REPL_API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:7950"
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to replication daemon at %s: %w", addr, err)
	}
	return &replClient{conn: conn, rd: bufio.NewReader(conn)}, nil
}

func (c *replClient) Close() { _ = c.conn.Close() }

func (c *replClient) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

func (c *replClient) readJSON(v any) error {
	dec := json.NewDecoder(c.rd)
	return dec.Decode(v)
}

// -----------------------------------------------------------------------------
// Controller helpers – RPC entry-points
// -----------------------------------------------------------------------------

func startRPC(ctx context.Context) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "start"})
}

func stopRPC(ctx context.Context) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "stop"})
}

func statusRPC(ctx context.Context, fileDigestHex string) (map[string]any, error) {
	cli, err := newReplClient(ctx)
	if err != nil {
		return nil, err
	}
	defer cli.Close()
	req := map[string]any{"action": "status"}
	if fileDigestHex != "" {
		req["file_digest"] = fileDigestHex
	}
	if err := cli.writeJSON(req); err != nil {
		return nil, err
	}
	var resp struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error,omitempty"`
	}
	if err := cli.readJSON(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func ingestRPC(ctx context.Context, path string) (map[string]any, error) {
	cli, err := newReplClient(ctx)
	if err != nil {
		return nil, err
	}
	defer cli.Close()
	if err := cli.writeJSON(map[string]any{"action": "ingest", "path": path}); err != nil {
		return nil, err
	}
	var resp struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error,omitempty"`
	}
	if err := cli.readJSON(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func probeRPC(ctx context.Context, fileDigestHex string) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "probe", "file_digest": fileDigestHex})
}

func purgeRPC(ctx context.Context, fileDigestHex string) error {
	cli, err := newReplClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.writeJSON(map[string]any{"action": "purge", "file_digest": fileDigestHex})
}

// -----------------------------------------------------------------------------
// Top-level Cobra commands
// -----------------------------------------------------------------------------

var repCmd = &cobra.Command{
	Use:     "~files",
	Short:   "File-replication engine control",
	Aliases: []string{"files", "replication"},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initReplConfig()
		return nil
	},
}

// start -----------------------------------------------------------------------
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the replication engine and scheduler (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return startRPC(ctx)
	},
}

// stop ------------------------------------------------------------------------
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the replication engine and scheduler gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return stopRPC(ctx)
	},
}

// status ----------------------------------------------------------------------
var statusCmd = &cobra.Command{
	Use:   "status [file-digest]",
	Short: "Show a file's replication state, or overall cache sizes if omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var digest string
		if len(args) == 1 {
			if _, err := hex.DecodeString(args[0]); err != nil || len(args[0]) != 64 {
				return errors.New("file-digest must be a 32-byte hex string")
			}
			digest = args[0]
		}
		format := viper.GetString("output.format")
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		data, err := statusRPC(ctx, digest)
		if err != nil {
			return err
		}
		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		default:
			for k, v := range data {
				fmt.Printf("%s: %v\n", k, v)
			}
			return nil
		}
	},
}

// ingest ------------------------------------------------------------------
var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Register a local file for replication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		data, err := ingestRPC(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("file_digest: %v\n", data["file_digest"])
		return nil
	},
}

// probe -------------------------------------------------------------------
var probeCmd = &cobra.Command{
	Use:   "probe [file-digest]",
	Short: "Trigger an immediate CHECK-HEADER round for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := hex.DecodeString(args[0]); err != nil || len(args[0]) != 64 {
			return errors.New("file-digest must be a 32-byte hex string")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		return probeRPC(ctx, args[0])
	},
}

// purge -------------------------------------------------------------------
var purgeCmd = &cobra.Command{
	Use:   "purge [file-digest]",
	Short: "Delete a file's header, descriptor and parts (operator-only, not gossiped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := hex.DecodeString(args[0]); err != nil || len(args[0]) != 64 {
			return errors.New("file-digest must be a 32-byte hex string")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		return purgeRPC(ctx, args[0])
	},
}

// -----------------------------------------------------------------------------
// init – config bootstrap & route registration
// -----------------------------------------------------------------------------

func initReplConfig() {
	viper.SetEnvPrefix("filenet")
	viper.AutomaticEnv()

	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("filenet")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/filenet")
	}
	_ = viper.ReadInConfig()

	viper.SetDefault("REPL_API_ADDR", "127.0.0.1:7950")
	viper.SetDefault("output.format", "table")
}

func init() {
	// flag binding for status output format
	statusCmd.Flags().StringP("format", "f", "table", "output format: table|json")
	_ = viper.BindPFlag("output.format", statusCmd.Flags().Lookup("format"))

	// sub-command registration
	repCmd.AddCommand(startCmd)
	repCmd.AddCommand(stopCmd)
	repCmd.AddCommand(statusCmd)
	repCmd.AddCommand(ingestCmd)
	repCmd.AddCommand(probeCmd)
	repCmd.AddCommand(purgeCmd)
}

// NewReplicationCommand returns the root Cobra command for ~files.
func NewReplicationCommand() *cobra.Command { return repCmd }
