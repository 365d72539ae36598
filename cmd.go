package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"samizdat_mesh/internal/config"
	"samizdat_mesh/internal/dht"
	"samizdat_mesh/internal/grid"
	"samizdat_mesh/internal/server"
	"samizdat_mesh/internal/transport"
	"samizdat_mesh/internal/trust"
	"samizdat_mesh/internal/utils"
)

var (
	basePath   string
	keyOut     string
	gridRadius int
)

var rootCmd = &cobra.Command{
	Use:          "samizdat",
	Short:        "Serverless ride-sharing mesh node",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: listener, replication loop and local API",
	RunE:  runServe,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the vouch signing key if missing and print its public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keyOut
		if path == "" {
			cfg, err := config.LoadMainConfig(basePath)
			if cfg == nil {
				return err
			}
			path = cfg.KeyPath
		}
		signer, err := trust.LoadOrGenerateSigner(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key:        %s\npublic key: %s\n", path, signer.PublicKeyB64())
		return nil
	},
}

var gridCmd = &cobra.Command{
	Use:   "grid <lat> <lon>",
	Short: "Print the grid cell of a coordinate, its bounds and neighbours",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("longitude: %w", err)
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return errors.New("coordinate out of range")
		}
		id := grid.GridID(lat, lon)
		sw, ne, _ := grid.GridBounds(id)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cell:      %s\n", id)
		fmt.Fprintf(out, "hash:      %s\n", dht.GridHash(id).Hex())
		fmt.Fprintf(out, "bounds:    %.6f,%.6f .. %.6f,%.6f\n", sw.Lat, sw.Lon, ne.Lat, ne.Lon)
		fmt.Fprintf(out, "neighbours (r=%d):\n", gridRadius)
		for _, n := range grid.NeighborGrids(id, gridRadius) {
			fmt.Fprintf(out, "  %s\n", n)
		}
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity <address>",
	Short: "Print the node identity derived from an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), dht.IdentityOf(args[0]).Hex())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&basePath, "prefix", "", "Config file base path")
	keygenCmd.Flags().StringVar(&keyOut, "out", "", "Key file (default: key_path from config)")
	gridCmd.Flags().IntVar(&gridRadius, "radius", 1, "Neighbour radius")
	rootCmd.AddCommand(serveCmd, keygenCmd, gridCmd, identityCmd)
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		if cfg == nil {
			return fmt.Errorf("load config failed: %w", err)
		}
		log.Printf("[WARNING] %v, running with defaults", err)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("defaults need a node_address: %w", err)
		}
	}

	logs, err := utils.NewManager(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logs.Logger()
	defer func() {
		_ = logger.Sync()
		err = multierr.Append(err, logs.Close())
	}()

	rules, err := config.LoadRules(cfg.RulePath)
	if err != nil {
		return fmt.Errorf("load rules failed: %w", err)
	}
	signer, err := trust.LoadOrGenerateSigner(cfg.KeyPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0700); err != nil {
		return err
	}
	ledger, err := trust.OpenLedger(cfg.LedgerPath, logger.Named("ledger"))
	if err != nil {
		return err
	}
	sender, err := transport.NewSender(cfg.SocksProxy, cfg.OnionPort, cfg.SendTimeout)
	if err != nil {
		return multierr.Append(err, ledger.Close())
	}
	sess, err := server.NewSession(cfg, rules, sender, ledger, signer, server.WithLogger(logger))
	if err != nil {
		return multierr.Append(err, ledger.Close())
	}
	defer func() {
		err = multierr.Append(err, sess.Close())
	}()

	ln, err := transport.Listen(cfg.ListenAddr,
		transport.WithMaxLineBytes(cfg.MaxLineBytes),
		transport.WithReadTimeout(cfg.ReadTimeout),
		transport.WithGate(sess.AllowLine),
		transport.WithLogger(logger.Named("transport")))
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ready to serve",
		zap.String("listen", ln.Addr().String()),
		zap.String("api", cfg.APIAddr),
		zap.String("public_key", signer.PublicKeyB64()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(ctx, ln)
	})
	if cfg.APIAddr != "" {
		g.Go(func() error {
			return server.StartServer(ctx, cfg.APIAddr, server.NewAPIHandler(sess), logger.Named("api"))
		})
	}
	err = g.Wait()
	logger.Info("node stopped")
	return err
}
