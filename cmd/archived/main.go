// Command archived runs the block-and-state archive daemon of §6: it
// stands up a RootDB against a configured storage root, starts the GC
// sweeper on its configured interval, and serves the lite-query
// dispatcher over the validator-console HTTP surface. The peer transport
// the dispatcher would otherwise speak (ADNL/RLDP) is out of scope per
// spec.md's boundary note that transport is an opaque request-response
// pipe; this surface is the one this engine actually terminates.
//
// Grounded on cmd/synnergy/main.go's cobra root-command-plus-subcommands
// shape, generalized from "testnet"/"tokens" subcommands to "run"/"gc"/
// "truncate" daemon-lifecycle subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chainarchive/internal/archive"
	"chainarchive/internal/cell"
	"chainarchive/internal/gc"
	"chainarchive/internal/litequery"
	"chainarchive/internal/litequery/httpapi"
	"chainarchive/internal/litequery/vm"
	"chainarchive/internal/rootdb"
	"chainarchive/internal/types"
	"chainarchive/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "archived"}
	root.AddCommand(runCmd())
	root.AddCommand(gcCmd())
	root.AddCommand(truncateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func rootDBConfigFrom(cfg *config.Config) rootdb.Config {
	return rootdb.Config{
		Root: cfg.Storage.DBPath,
		Cell: cell.Config{
			DepthCutoff:        cfg.CellStore.DepthCutoff,
			MigrationBatchSize: cfg.CellStore.MigrationBatchSize,
		},
		Archive: archive.Config{
			Root:            cfg.Archive.Root,
			ArchiveSize:     cfg.Archive.ArchiveSize,
			KeyArchiveSize:  cfg.Archive.KeyArchiveSize,
			SubSliceSize:    cfg.Archive.SubSliceSize,
			TempBucketSecs:  cfg.Archive.TempBucketSecs,
			TempTTLSecs:     cfg.Archive.TempTTLSecs,
			ArchiveTTLSecs:  cfg.Archive.ArchiveTTLSecs,
			AsyncBatchCount: cfg.Archive.AsyncBatchCount,
		},
		ArchiveTTLSecs: cfg.Archive.ArchiveTTLSecs,
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the archive daemon: GC sweeper, lite-query dispatcher, validator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay passed to pkg/config.Load")
	return cmd
}

func runDaemon(env string) error {
	log := logrus.WithField("component", "archived")

	cfg, err := config.Load(env)
	if err != nil {
		log.WithError(err).Error("load config")
		return err
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	root, err := rootdb.Open(rootDBConfigFrom(cfg))
	if err != nil {
		log.WithError(err).Error("open rootdb")
		return err
	}
	defer root.Close()

	mayDelete := func(types.BlockID) bool { return true }
	sweeper := gc.New(root, time.Duration(cfg.GC.IntervalSecs)*time.Second, mayDelete)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	disp := litequery.New(root, litequery.Config{
		QueryTimeout:    time.Duration(cfg.LiteServer.QueryTimeoutMS) * time.Millisecond,
		RateLimitPerSec: cfg.LiteServer.RateLimitPerSec,
		RateLimitBurst:  cfg.LiteServer.RateLimitBurst,
	})
	// Contract code lives inside each account's own state cell, not in a
	// separate code store this daemon can resolve ahead of a call, so an
	// empty StaticResolver reports every lookup as not-found rather than
	// guessing at contract code.
	runner := vm.New(vm.StaticResolver{}.Resolve, 1_000_000)
	console := httpapi.New(disp, runner)

	addr := cfg.LiteServer.ValidatorConsole
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	srv := &http.Server{Addr: addr, Handler: console}
	go func() {
		log.WithField("addr", addr).Info("validator console listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("validator console stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func gcCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			root, err := rootdb.Open(rootDBConfigFrom(cfg))
			if err != nil {
				return err
			}
			defer root.Close()
			if err := root.RunGC(time.Now(), func(types.BlockID) bool { return true }); err != nil {
				return err
			}
			fmt.Println("gc sweep complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay passed to pkg/config.Load")
	return cmd
}

func truncateCmd() *cobra.Command {
	var env string
	var mcSeqno uint32
	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "discard every stored block beyond the given masterchain seqno",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			root, err := rootdb.Open(rootDBConfigFrom(cfg))
			if err != nil {
				return err
			}
			defer root.Close()
			if err := root.Truncate(mcSeqno); err != nil {
				return err
			}
			fmt.Printf("truncated beyond seqno %d\n", mcSeqno)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay passed to pkg/config.Load")
	cmd.Flags().Uint32Var(&mcSeqno, "mc-seqno", 0, "masterchain seqno to truncate beyond")
	return cmd
}
