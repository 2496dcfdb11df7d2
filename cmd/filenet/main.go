// Command filenet runs the content-addressed file-replication node: a
// libp2p P2P host carrying the six-message replication protocol, plus
// the control socket and direct-local-index CLI surfaces registered by
// filenet/cmd/cli.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"filenet/cmd/cli"
	"filenet/core"
)

func main() {
	root := &cobra.Command{
		Use:   "filenet",
		Short: "Content-addressed file-replication node",
	}

	root.AddCommand(serveCmd())
	cli.RegisterLocalFiles(root)
	cli.RegisterNetwork(root)
	root.AddCommand(cli.PeerCmd)
	root.AddCommand(cli.NewReplicationCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd boots a FileNode (libp2p host + on-disk index) and exposes it
// over the control socket cmd/cli/replication.go dials; it does not, by
// itself, start the replication engine — that is the `~files start`
// action, issued separately so an operator can bring a node up
// listening-but-idle before committing to gossip traffic.
func serveCmd() *cobra.Command {
	var (
		listenAddr     string
		discoveryTag   string
		bootstrapPeers []string
		apiAddr        string
		storeRoot      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the P2P host and control socket (start replication with ~files start)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			viper.AutomaticEnv()

			logger := logrus.New()
			if lv, err := logrus.ParseLevel(viper.GetString("logging.level")); err == nil {
				logger.SetLevel(lv)
			}

			store, err := core.NewDiskStore(storeRoot)
			if err != nil {
				return fmt.Errorf("open store at %s: %w", storeRoot, err)
			}
			index := core.NewFileIndex(store)

			cfg := core.Config{
				ListenAddr:     listenAddr,
				DiscoveryTag:   discoveryTag,
				BootstrapPeers: bootstrapPeers,
			}
			node, err := core.NewFileNode(cfg, index, logger)
			if err != nil {
				return fmt.Errorf("start p2p host: %w", err)
			}
			defer node.Close()

			daemon := core.NewDaemon(node, logger)
			serveErr := make(chan error, 1)
			go func() { serveErr <- daemon.Serve(apiAddr) }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-serveErr:
				return err
			case <-sig:
				logger.Info("shutting down")
				return daemon.Close()
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "/ip4/0.0.0.0/tcp/4001", "libp2p listen multiaddr")
	cmd.Flags().StringVar(&discoveryTag, "discovery-tag", "filenet", "mDNS discovery rendezvous tag")
	cmd.Flags().StringSliceVar(&bootstrapPeers, "bootstrap", nil, "bootstrap peer multiaddrs")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "127.0.0.1:7950", "control-socket listen address")
	cmd.Flags().StringVar(&storeRoot, "store", "./filenet-data", "on-disk index root directory")
	return cmd
}
