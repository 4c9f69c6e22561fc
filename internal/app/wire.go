package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/seqvault/internal/adapter"
	s3blob "github.com/alanyoungcy/seqvault/internal/blob/s3"
	"github.com/alanyoungcy/seqvault/internal/cache/redis"
	"github.com/alanyoungcy/seqvault/internal/config"
	seqcrypto "github.com/alanyoungcy/seqvault/internal/crypto"
	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/ledger"
	"github.com/alanyoungcy/seqvault/internal/notify"
	"github.com/alanyoungcy/seqvault/internal/store/postgres"
	"github.com/alanyoungcy/seqvault/internal/vault"
	"github.com/alanyoungcy/seqvault/internal/venue/sim"
)

// treasuryFloat is the collateral minted to the sim venue's treasury at
// startup so settled redemptions can always pay out in paper mode.
const treasuryFloat = 1_000_000_000_000

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Identity
	Signer *seqcrypto.Signer

	// Stores
	Postgres   *postgres.Client
	VaultStore domain.VaultStore
	TradeStore domain.TradeStore
	AuditStore domain.AuditStore

	// Caches
	Redis       *redis.Client
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	Settlements domain.SettlementCache

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Execution
	Ledger  *ledger.Memory
	Venue   *sim.Venue
	Adapter *adapter.TradeAdapter
	Machine *vault.Machine
	Factory *vault.Factory

	// Notifications
	Notifier *notify.Notifier
	Relay    *notify.Relay
}

// serviceAddress derives a stable ledger identity for an internal service role
// from the provisioner key, so restarts keep custody addresses unchanged.
func serviceAddress(role string, provisioner common.Address) common.Address {
	digest := ethcrypto.Keccak256([]byte(role), provisioner.Bytes())
	return common.BytesToAddress(digest[12:])
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Provisioner identity ---
	keyHex, err := seqcrypto.LoadKey(seqcrypto.KeyConfig{
		RawPrivateKey:    cfg.Provisioner.PrivateKey,
		EncryptedKeyPath: cfg.Provisioner.EncryptedKeyPath,
		KeyPassword:      cfg.Provisioner.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: provisioner key: %w", err)
	}
	signer, err := seqcrypto.NewSigner(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: provisioner signer: %w", err)
	}
	deps.Signer = signer
	provisioner := signer.Address()

	// --- PostgreSQL ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.VaultStore = postgres.NewVaultStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Settlements = redis.NewSettlementCache(redisClient, cfg.Vault.SettlementTTL.Duration)

	// --- S3 blob storage (archive only, optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.TradeStore, deps.AuditStore, logger)
	}

	// --- Execution layer: ledger, venue, adapter, state machine ---
	led := ledger.NewMemory()
	treasury := serviceAddress("seqvault-treasury", provisioner)
	led.Mint(treasury, treasuryFloat)

	venue := sim.New(led, treasury)
	deps.Ledger = led
	deps.Venue = venue

	tradeAdapter := adapter.New(adapter.Config{
		Self:        serviceAddress("seqvault-adapter", provisioner),
		Provisioner: provisioner,
		Collateral:  sim.CollateralAsset,
		Ledger:      led,
		Venue:       venue,
		Journals:    []domain.Journal{led, venue},
		Trades:      deps.TradeStore,
		Audit:       deps.AuditStore,
		Bus:         deps.SignalBus,
	}, logger)
	deps.Adapter = tradeAdapter

	deps.Machine = vault.NewMachine(vault.Config{
		Vaults:  deps.VaultStore,
		Ledger:  led,
		Venue:   venue,
		Adapter: tradeAdapter,
		Journals: []domain.Journal{led, venue},
		EncodeOrder: func(marketID common.Hash, outcomeIndex uint8, amountIn uint64) []byte {
			return sim.EncodeOrders(sim.Order{
				MarketID:     marketID,
				OutcomeIndex: outcomeIndex,
				AmountIn:     amountIn,
			})
		},
		Settlements: deps.Settlements,
		Locks:       deps.LockManager,
		Limiter:     deps.RateLimiter,
		Trades:      deps.TradeStore,
		Audit:       deps.AuditStore,
		Bus:         deps.SignalBus,
		LockTTL:     cfg.Vault.LockTTL.Duration,
	}, logger)

	deps.Factory = vault.NewFactory(deps.VaultStore, tradeAdapter, provisioner, deps.AuditStore, logger)

	// The authorization registry is process-local; re-register every persisted
	// vault so advances work after a restart.
	if err := deps.Factory.Rehydrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: rehydrate registry: %w", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Relay = notify.NewRelay(deps.SignalBus, deps.Notifier, logger)

	return deps, cleanup, nil
}
