package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"joulechain/cmd/internal/passphrase"
	chaincfg "joulechain/config"
	"joulechain/core/genesis"
	"joulechain/core/state"
	"joulechain/crypto"
	"joulechain/observability/logging"
	telemetry "joulechain/observability/otel"
	"joulechain/services/pegd/auth"
	pegdcfg "joulechain/services/pegd/config"
	"joulechain/services/pegd/feeds"
	"joulechain/services/pegd/noncestore"
	"joulechain/services/pegd/oracle"
	"joulechain/services/pegd/runner"
	"joulechain/services/pegd/server"
	"joulechain/services/pegd/storage"
	chainstorage "joulechain/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "pegd.toml", "path to pegd configuration file")
	flag.Parse()

	cfg, err := pegdcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("pegd: load config: %v", err)
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("JOULE_ENV"))
	}
	var logOpts []logging.Option
	if strings.TrimSpace(cfg.LogFile) != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.LogFile))
	}
	logger := logging.Setup("pegd", env, logOpts...)

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "pegd",
		Environment: env,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("pegd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	nodeCfg, err := chaincfg.Load(cfg.ChainConfig)
	if err != nil {
		log.Fatalf("pegd: load chain config: %v", err)
	}

	var db chainstorage.Database
	if nodeCfg.InMemory {
		db = chainstorage.NewMemDB()
	} else {
		leveldb, err := chainstorage.NewLevelDB(nodeCfg.DataDir)
		if err != nil {
			log.Fatalf("pegd: open chain database: %v", err)
		}
		db = leveldb
	}
	defer db.Close()

	secret, err := passphrase.NewSource("JOULE_KEYSTORE_PASSPHRASE").Get()
	if err != nil {
		log.Fatalf("pegd: resolve keystore passphrase: %v", err)
	}
	feederKey, err := crypto.LoadFromKeystore(nodeCfg.FeederKeystorePath, secret)
	if err != nil {
		log.Fatalf("pegd: load feeder keystore: %v", err)
	}
	feeder := feederKey.PubKey().Address()

	manager := state.NewManager(db)
	applied, err := genesis.Apply(manager, nodeCfg.Genesis, feeder)
	if err != nil {
		log.Fatalf("pegd: apply genesis: %v", err)
	}
	logger.Info("chain state ready",
		"owner", applied.Owner.String(),
		"feeder", applied.Feeder.String())

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("pegd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("pegd: open storage: %v", err)
	}
	defer store.Close()

	nonces, err := noncestore.Open(cfg.NonceStore)
	if err != nil {
		log.Fatalf("pegd: open nonce store: %v", err)
	}
	defer nonces.Close()

	sources := make([]feeds.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := feeds.NewHTTPSource(src.Name, src.URL, src.RatePerMinute, src.Burst)
		if err != nil {
			log.Fatalf("pegd: build source %s: %v", src.Name, err)
		}
		sources = append(sources, built)
	}

	mgr, err := oracle.New(store, nonces, sources,
		oracle.Pair{Base: cfg.Pair.Base, Quote: cfg.Pair.Quote},
		applied.Feeder, applied.Controller,
		cfg.Oracle.PollInterval.Duration, cfg.Oracle.MaxQuoteAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger))
	if err != nil {
		log.Fatalf("pegd: oracle manager: %v", err)
	}

	evaluator, err := runner.New(store, applied.Controller, cfg.Oracle.EvaluateInterval.Duration, runner.WithLogger(logger))
	if err != nil {
		log.Fatalf("pegd: peg runner: %v", err)
	}

	authenticator := auth.NewAuthenticator(cfg.API.Secrets, cfg.API.TimestampSkew.Duration, cfg.API.NonceTTL.Duration, 0, nil, store)
	if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-cfg.API.NonceTTL.Duration)); err != nil {
		logger.Warn("hydrate api nonces", "error", err)
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, applied.Controller, store, applied.Owner, authenticator, logger)
	if err != nil {
		log.Fatalf("pegd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager exited", "error", err)
			stop()
		}
	}()
	go func() {
		if err := evaluator.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("peg runner exited", "error", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pegd: server exited: %v", err)
	}
	logger.Info("pegd shut down")
}
