package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/tdeu/blc-hedera-sub002/internal/blob/s3"
	"github.com/tdeu/blc-hedera-sub002/internal/bond"
	"github.com/tdeu/blc-hedera-sub002/internal/cache/local"
	"github.com/tdeu/blc-hedera-sub002/internal/cache/redis"
	"github.com/tdeu/blc-hedera-sub002/internal/config"
	"github.com/tdeu/blc-hedera-sub002/internal/crypto"
	"github.com/tdeu/blc-hedera-sub002/internal/dispute"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/ledger"
	"github.com/tdeu/blc-hedera-sub002/internal/ledger/dryrun"
	"github.com/tdeu/blc-hedera-sub002/internal/notify"
	"github.com/tdeu/blc-hedera-sub002/internal/oracle"
	"github.com/tdeu/blc-hedera-sub002/internal/resolution"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/server/handler"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
	"github.com/tdeu/blc-hedera-sub002/internal/store/postgres"
	"github.com/tdeu/blc-hedera-sub002/internal/sweeper"
)

// Dependencies bundles every component the modes run. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Markets     domain.MarketStore
	Disputes    domain.DisputeStore
	Bonds       domain.BondStore
	Balances    domain.TokenBalances
	Reviews     domain.ReviewStore
	Reputations domain.ReputationStore
	Audit       domain.AuditStore

	// Coordination. Locks and RateLimiter are nil without Redis.
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	Bus         domain.SignalBus

	// Blob storage, nil when S3 is disabled.
	BlobReader domain.BlobReader
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	Ledger   domain.SettlementLedger
	Oracle   domain.ConfidenceOracle
	Evidence domain.EvidenceSource
	Notifier *notify.Notifier

	// Services
	Orchestrator *resolution.Orchestrator
	DisputeMgr   *dispute.Manager
	Sweeper      *sweeper.Sweeper

	// Health checks reported on /api/health.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete implementations from cfg and returns them with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Health: map[string]handler.Pinger{}}
	clock := scheduler.SystemClock{}

	// --- Stores ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		st := postgres.NewStores(pgClient.Pool())
		deps.Markets, deps.Disputes, deps.Bonds, deps.Balances = st.Markets, st.Disputes, st.Bonds, st.Balances
		deps.Reviews, deps.Reputations, deps.Audit = st.Reviews, st.Reputations, st.Audit
		deps.Health["postgres"] = pgClient
	default:
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		st := memory.NewWithClock(clock)
		deps.Markets, deps.Disputes, deps.Bonds, deps.Balances = st.Markets, st.Disputes, st.Bonds, st.Balances
		deps.Reviews, deps.Reputations, deps.Audit = st.Reviews, st.Reputations, st.Audit
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Locks = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Markets = redis.NewMarketCache(rc, deps.Markets, cfg.Redis.MarketTTL.Duration, logger)
		deps.Health["redis"] = rc
	} else {
		deps.Bus = local.NewBus(256)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.BlobReader = s3blob.NewReader(sc)
		deps.BlobWriter = s3blob.NewWriter(sc, int64(cfg.S3.PartSizeMB)<<20)
		deps.Archiver = s3blob.NewResolutionArchiver(deps.BlobWriter, deps.Markets, deps.Disputes, deps.Audit)
		deps.Evidence = oracle.NewBlobEvidence(deps.BlobReader, cfg.Oracle.EvidenceMaxItems, cfg.Oracle.EvidenceMaxBytes)
		deps.Health["s3"] = sc
	}

	// --- Settlement ledger ---
	switch cfg.Ledger.Mode {
	case "evm":
		ec, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return fail("ledger rpc", err)
		}
		closers = append(closers, ec.Close)

		signer, err := crypto.LoadOperatorSigner(crypto.KeySource{
			Hex:        cfg.Ledger.PrivateKey,
			File:       cfg.Ledger.EncryptedKeyPath,
			Passphrase: cfg.Ledger.KeyPassword,
		}, cfg.Ledger.ChainID)
		if err != nil {
			return fail("operator key", err)
		}
		gw, err := ledger.NewGateway(ec, signer, ledger.Config{
			CallTimeout:    cfg.Ledger.CallTimeout.Duration,
			ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
			PollInterval:   cfg.Ledger.PollInterval.Duration,
			GasMultiplier:  cfg.Ledger.GasMultiplier,
		}, logger)
		if err != nil {
			return fail("ledger gateway", err)
		}
		deps.Ledger = gw
		logger.InfoContext(ctx, "settlement ledger ready",
			slog.String("operator", signer.Address().Hex()),
			slog.Int64("chain_id", cfg.Ledger.ChainID),
		)
	default:
		logger.WarnContext(ctx, "ledger in dry-run mode; nothing is settled on chain")
		deps.Ledger = dryrun.NewAutoDeploy(dryrun.MarketCloseTimes(deps.Markets))
	}

	// --- Oracles ---
	sources := []oracle.Source{{
		Oracle: oracle.NewClient("primary", cfg.Oracle.PrimaryURL, cfg.Oracle.PrimaryAPIKey, cfg.Oracle.Timeout.Duration),
		Name:   "primary",
	}}
	if cfg.Oracle.SecondaryURL != "" {
		sources = append(sources, oracle.Source{
			Oracle:   oracle.NewClient("secondary", cfg.Oracle.SecondaryURL, cfg.Oracle.SecondaryAPIKey, cfg.Oracle.Timeout.Duration),
			Name:     "secondary",
			Discount: cfg.Oracle.SecondaryDiscount,
		})
	}
	deps.Oracle = oracle.NewChain(logger, sources...)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Orchestrator = resolution.New(resolution.Deps{
		Markets:  deps.Markets,
		Reviews:  deps.Reviews,
		Disputes: deps.Disputes,
		Audit:    deps.Audit,
		Ledger:   deps.Ledger,
		Oracle:   deps.Oracle,
		Evidence: deps.Evidence,
		Locks:    deps.Locks,
		Bus:      deps.Bus,
		Alerter:  deps.Notifier,
		Clock:    clock,
	}, resolutionConfig(cfg.Resolution), logger)

	deps.DisputeMgr = dispute.NewManager(dispute.Deps{
		Markets:     deps.Markets,
		Disputes:    deps.Disputes,
		Bonds:       bond.NewLedger(deps.Bonds, deps.Balances, deps.Audit, clock, logger),
		Reputations: deps.Reputations,
		Audit:       deps.Audit,
		Bus:         deps.Bus,
		Clock:       clock,
	}, dispute.Config{
		BaseBond:          cfg.Dispute.BaseBondAmount(),
		MinHistory:        cfg.Dispute.MinHistory,
		MinReputation:     cfg.Dispute.MinReputation,
		PenaltyMultiplier: cfg.Dispute.PenaltyMultiplier,
	}, logger)

	// Dispute expiry runs as its own scheduled task.
	deps.Sweeper = sweeper.New(deps.Markets, deps.Orchestrator, nil, deps.Bus, clock, logger)

	return deps, cleanup, nil
}

func resolutionConfig(c config.ResolutionConfig) resolution.Config {
	return resolution.Config{
		DisputeWindow:       c.DisputeWindow.Duration,
		AutoThreshold:       c.AutoThreshold,
		LowPriorityFloor:    c.LowPriorityFloor,
		MediumPriorityFloor: c.MediumPriorityFloor,
		MaxRetries:          c.MaxRetries,
		RetryBackoff:        c.RetryBackoff.Duration,
		RetryMaxBackoff:     c.RetryMaxBackoff.Duration,
		LockTTL:             c.LockTTL.Duration,
		AutoFinalize:        c.AutoFinalize,
	}
}

// monthStart returns midnight UTC on the first day of t's month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
