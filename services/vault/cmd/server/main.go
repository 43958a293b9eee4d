package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/db"
	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/api"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/claim"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/config"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/cosign"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/idempotency"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/store/postgres"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/store/sqlite"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/telemetry"

	"github.com/sasha-s/go-deadlock"
)

// vaultStore is what every service needs from persistence.
type vaultStore interface {
	identity.Store
	envelope.Store
	cosign.Store
	claim.Store
	access.Store
	anchor.ConfirmationStore
	idempotency.Store
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("vault: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)

	// Broadcasts hold the anchor mutex for up to AnchorTimeout.
	deadlock.Opts.DeadlockTimeout = 3 * cfg.AnchorTimeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "vault", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("vault: shutdown tracing: %v", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	network := ledger.Network(cfg.LedgerNetwork)
	anchorCfg := anchor.Config{
		Network:         network,
		FeeRate:         cfg.FeeRateSatsPerKB,
		Timeout:         cfg.AnchorTimeout,
		ExplorerURL:     cfg.ExplorerURL,
		TreasuryAddress: cfg.TreasuryAddress,
	}
	if strings.TrimSpace(cfg.AnchorKey) != "" {
		key, err := ledger.ParseKey(cfg.AnchorKey)
		if err != nil {
			return fmt.Errorf("parse VAULT_ANCHOR_KEY: %w", err)
		}
		anchorCfg.Key = key
	}
	var anchorOpts []anchor.Option
	if cfg.LedgerSecondaryURL != "" {
		anchorOpts = append(anchorOpts, anchor.WithSecondary(ledger.NewARCBroadcaster(cfg.LedgerSecondaryURL, cfg.LedgerSecondaryKey, nil)))
	}
	anchors, err := anchor.NewService(anchorCfg, ledger.NewClient(cfg.LedgerAPIURL, nil), store, logger, anchorOpts...)
	if err != nil {
		return err
	}
	if anchors.Enabled() {
		logger.Info("vault: anchoring from %s on %s", anchors.Address(), network)
	} else {
		logger.Warn("vault: VAULT_ANCHOR_KEY not set, anchors will be placeholders")
	}

	identities := identity.NewService(store, anchors, logger)
	grants := access.NewService(store)
	envelopes := envelope.NewService(store, anchors, logger,
		envelope.WithVerifier(anchors),
		envelope.WithPayments(anchors),
		envelope.WithIdentities(identities),
		envelope.WithAccess(grants),
		envelope.WithNetwork(network),
		envelope.WithPublicBaseURL(cfg.PublicBaseURL),
		envelope.WithPerSignatureAnchors(cfg.AnchorEachSignature),
	)
	owner := api.NewOwner(envelopes, grants, identities)
	srv := api.New(api.Deps{
		Identities: identities,
		Envelopes:  envelopes,
		Cosign:     cosign.NewService(store, identities, anchors, grants, owner, logger),
		Claims: claim.NewService(store, owner, grants, identities, logger,
			claim.WithTTL(cfg.ClaimTTL),
			claim.WithPublicBaseURL(cfg.PublicBaseURL),
		),
		Access:       grants,
		Anchors:      anchors,
		Idempotency:  store,
		Log:          logger,
		AttestorKeys: cfg.AttestorKeys,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("vault: listening on %s (%s store)", httpSrv.Addr, cfg.Store)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("vault: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.AnchorTimeout+5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}

func openStore(ctx context.Context, cfg config.Config) (vaultStore, func(), error) {
	switch strings.ToLower(cfg.Store) {
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		return st, pool.Close, nil
	}
}
