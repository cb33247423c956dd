package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/attestation"
	"github.com/cloudx-io/batchauction/auction"
	"github.com/cloudx-io/batchauction/config"
	"github.com/cloudx-io/batchauction/encryption"
	"github.com/cloudx-io/batchauction/escrow"
	"github.com/cloudx-io/batchauction/fees"
	"github.com/cloudx-io/batchauction/ledger"
	dbbadger "github.com/cloudx-io/batchauction/ledger/badger"
	"github.com/cloudx-io/batchauction/ledger/inmemory"
	"github.com/cloudx-io/batchauction/metrics"
)

// custodyAccount holds escrowed tokens in the vault.
const custodyAccount = "custody"

func main() {
	if err := config.InitConfig(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(config.GetLogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("daemon stopped")
	}
	log.Debug("exiting")
}

func run(ctx context.Context) error {
	store, err := openLedger()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("failed to close ledger")
		}
	}()

	auctionCfg, err := config.GetAuctionConfig()
	if err != nil {
		return err
	}
	feeCfg, err := config.GetFeeConfig()
	if err != nil {
		return err
	}

	vault := escrow.NewVault(custodyAccount)
	acc, err := fees.NewAccountant(feeCfg, vault)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	veecode, err := auction.NewVeecode(1, auction.KeycodeEMPA)
	if err != nil {
		return err
	}
	module, err := auction.NewModule(veecode, auctionCfg, store, vault, encryption.NewOracle(), acc,
		auction.WithRecorder(collector))
	if err != nil {
		return err
	}
	registry := auction.NewRegistry(store)
	if err := registry.Register(module); err != nil {
		return err
	}

	attester, err := newAttester()
	if err != nil {
		return err
	}

	if addr := config.GetString(config.MetricsAddrKey); addr != "" {
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	listener, err := listen()
	if err != nil {
		return err
	}
	svc := NewService(registry, encryption.NewKeyManager(), attester, vault, acc, collector)
	server := NewServer(listener, svc, collector,
		config.GetInt(config.MaxWorkersKey), config.GetDuration(config.ReadTimeoutKey))

	log.WithField("veecode", veecode).Info("batch auction daemon started")
	return server.Serve(ctx)
}

func openLedger() (ledger.Ledger, error) {
	if config.GetString(config.DBTypeKey) == config.DBInMemory {
		log.Warn("using the in-memory ledger, state is lost on restart")
		return inmemory.NewLedger(), nil
	}
	return dbbadger.NewLedger(config.GetDbDir(), log.StandardLogger())
}

func newAttester() (attestation.Attester, error) {
	if config.GetString(config.AttestationModeKey) == config.AttestationLocal {
		log.Warn("using the local attester, attestations are not trusted by default verifiers")
		return attestation.NewLocalAttester()
	}
	return attestation.NewNSMAttester()
}
