package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/dragoon-rs/dragoonfly/internal/accounting"
	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/config"
	"github.com/dragoon-rs/dragoonfly/internal/server"
	"github.com/dragoon-rs/dragoonfly/internal/store"
	"github.com/dragoon-rs/dragoonfly/internal/swarm"
)

var log = logging.Logger("dragoonfly/main")

var (
	ipPort         string
	seed           int64
	storageSpace   int64
	storageUnit    string
	powersPath     string
	label          string
	replaceFileDir bool
	configPath     string
	verbose        int
)

var rootCmd = &cobra.Command{
	Use:   "dragoonfly",
	Short: "A peer-to-peer node for coded content storage and retrieval",
	Long: `dragoonfly runs one node of a peer-to-peer network for erasure-coded
content. Files are encoded into n cryptographically committed blocks, any k
of which reconstruct the file; blocks are dispersed over the overlay,
discovered by content hash and fetched block by block.

The node is driven entirely over its HTTP surface: listening, dialing,
encoding, announcing, fetching and dispersing are all commands.`,
	RunE: runNode,
}

func init() {
	rootCmd.Flags().StringVar(&ipPort, "ip-port", "", "HTTP bind address (host:port)")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "Integer seed the node identity is derived from")
	rootCmd.Flags().Int64Var(&storageSpace, "storage-space", 0, "Send-storage budget magnitude")
	rootCmd.Flags().StringVar(&storageUnit, "storage-unit", "", `Send-storage budget unit: "", K, M, G or T (powers of 10)`)
	rootCmd.Flags().StringVar(&powersPath, "powers-path", "", "Path of the codec public parameters file")
	rootCmd.Flags().StringVar(&label, "label", "", "Optional node name")
	rootCmd.Flags().BoolVar(&replaceFileDir, "replace-file-dir", false, "Purge this identity's file directory before serving")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Optional TOML configuration file")
	rootCmd.Flags().CountVarP(&verbose, "verbose", "v", "Verbose output (repeat for more: -v, -vv)")
}

func runNode(cmd *cobra.Command, args []string) error {
	switch {
	case verbose >= 2:
		logging.SetAllLoggers(logging.LevelDebug)
	case verbose == 1:
		logging.SetAllLoggers(logging.LevelInfo)
	default:
		logging.SetAllLoggers(logging.LevelError)
		_ = logging.SetLogLevelRegex("dragoonfly/.*", "info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Merge(config.Flags{
		IPPort:         ipPort,
		Seed:           seed,
		SeedSet:        cmd.Flags().Changed("seed"),
		StorageSpace:   storageSpace,
		StorageUnit:    storageUnit,
		StorageUnitSet: cmd.Flags().Changed("storage-unit"),
		PowersPath:     powersPath,
		Label:          label,
		ReplaceFileDir: replaceFileDir,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The codec parameters gate everything; failing to load them is fatal.
	params, err := codec.LoadParams(cfg.Node.PowersPath)
	if err != nil {
		return err
	}

	priv, peerID, err := swarm.DeriveIdentity(cfg.Node.Seed)
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID: %s (%d)\n", peerID, cfg.Node.Seed)

	base, err := cfg.FileBase()
	if err != nil {
		return err
	}
	st, err := store.Open(base, peerID.String(), cfg.Storage.ReplaceFileDir)
	if err != nil {
		return err
	}

	budget, err := cfg.Budget()
	if err != nil {
		return err
	}
	acct, err := accounting.Open(filepath.Join(base, peerID.String(), "send.db"), budget)
	if err != nil {
		return err
	}
	defer func() {
		if err := acct.Close(); err != nil {
			log.Errorw("failed to close send ledger", "error", err)
		}
	}()

	node, err := swarm.New(ctx, priv, swarm.Options{
		Store:   st,
		Acct:    acct,
		Codec:   codec.New(params),
		Label:   cfg.Node.Label,
		Network: cfg.Network,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Errorw("failed to close node", "error", err)
		}
	}()
	go node.Run(ctx)

	srv := server.New(node, cfg)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Errorw("failed to stop http server", "error", err)
		}
	}()

	fmt.Printf("HTTP surface on %s\n", cfg.Node.IPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
