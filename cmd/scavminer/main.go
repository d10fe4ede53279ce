////////////////////////////////////////////////////////////////////////////
// Program: scavminer
// Purpose: distributed proof-of-work mining orchestrator for the scavenger
// challenge service
////////////////////////////////////////////////////////////////////////////

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/config"
	"github.com/duskcrew/scavminer/internal/devfee"
	"github.com/duskcrew/scavminer/internal/hashengine"
	"github.com/duskcrew/scavminer/internal/logging"
	"github.com/duskcrew/scavminer/internal/orchestrator"
	"github.com/duskcrew/scavminer/internal/receipts"
	"github.com/duskcrew/scavminer/internal/scavclient"
	"github.com/duskcrew/scavminer/internal/wallet"
)

const version = "0.1.0"

var mainCmd = &cobra.Command{
	Use:   "scavminer",
	Short: "Mining orchestrator for the scavenger challenge service",
	Long:  "Mining orchestrator for the scavenger challenge service",
	Run: func(cmd *cobra.Command, args []string) {
		mine()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Long:  "The version of the scavminer service.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	mainCmd.AddCommand(versionCmd)
	config.BindFlags(mainCmd.Flags())
}

func main() {
	mainCmd.Execute()
}

func mine() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, setLevel := logging.New(cfg.LogLevel)
	defer logger.Sync()

	live := config.NewLive(cfg)
	live.Watch(func(updated config.OrchestratorConfig) {
		setLevel(updated.LogLevel)
		logger.Info("config reloaded")
	})

	ws, err := wallet.LoadFile(cfg.WalletFile)
	if err != nil {
		logger.Fatal("load wallet", zap.Error(err))
	}

	store, err := receipts.Open(cfg.ReceiptsPath, cfg.ErrorsPath)
	if err != nil {
		logger.Fatal("open receipts store", zap.Error(err))
	}
	defer store.Close()

	fee, err := devfee.New(cfg.DevFeeCachePath, cfg.DevFeeURL, cfg.ClientID, cfg.DevFeeHRPs, devfee.WithRatio(cfg.DevFeeRatio))
	if err != nil {
		logger.Fatal("init dev fee rotator", zap.Error(err))
	}
	if !cfg.DevFeeEnabled {
		fee.SetEnabled(false)
		logger.Info("dev fee disabled by configuration")
	}

	scav := scavclient.New(cfg.ScavengerBaseURL)
	scav.SetDryRun(cfg.DryRun)
	if terms, err := scav.FetchTerms(context.Background()); err != nil {
		logger.Warn("fetch terms failed", zap.Error(err))
	} else {
		logger.Info("terms and conditions", zap.String("message", terms))
	}

	engine := buildEngine(*cfg, logger)

	orch := orchestrator.New(live, logger.Named("orchestrator"), scav, engine, ws, fee, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutdown signal received")
		cancel()
	}()

	controlSrv := &http.Server{Addr: cfg.ControlListenAddr, Handler: orch.NewControlRouter()}
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control surface stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		controlSrv.Close()
	}()

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("orchestrator exited", zap.Error(err))
	}
}

func buildEngine(cfg config.OrchestratorConfig, logger *zap.Logger) hashengine.Engine {
	if cfg.HashEngineMode == "rpc" {
		ash := hashengine.AshConfig{
			NbLoops:       uint32(cfg.AshNbLoops),
			NbInstrs:      uint32(cfg.AshNbInstrs),
			PreSize:       uint32(cfg.AshPreSize),
			RomSize:       uint32(cfg.AshRomSize),
			MixingNumbers: uint32(cfg.AshMixingNumbers),
		}
		return hashengine.NewRPCEngine(cfg.HashEngineURL, ash, logger.Named("hashengine"))
	}
	return hashengine.NewEmbeddedEngine(hashengine.Scheme(cfg.EmbeddedScheme))
}
