package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/docsync/internal/config"
	"github.com/tonimelisma/docsync/internal/datastore"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
	"github.com/tonimelisma/docsync/internal/tokenfile"
)

// dataDirPermissions applies to a database directory created on first use.
const dataDirPermissions = 0o700

// EngineSession holds the open local store, the backend client and the
// engine built on both. Every data command opens one and closes it on exit.
type EngineSession struct {
	DB      *store.DB
	Client  *remote.Client
	Engine  *datastore.Engine
	Session *tokenfile.Session // nil when nobody is logged in

	cfg    *config.Config
	logger *slog.Logger
}

// newRemoteClient builds the backend client from the [server] and
// [network] sections. The session token is read from disk on first use.
func newRemoteClient(cfg *config.Config, logger *slog.Logger) *remote.Client {
	retries := cfg.Network.MaxRetries
	if retries == 0 {
		retries = -1 // the client treats zero as "default"
	}

	httpClient := remote.NewHTTPClient(cfg.Network.MaxConnectionsPerHost, cfg.Network.Timeout())

	return remote.NewClient(remote.Config{
		BaseURL:        cfg.Server.BaseURL,
		AppKey:         cfg.Server.AppKey,
		AppSecret:      cfg.Server.AppSecret,
		APIVersion:     cfg.Server.APIVersion,
		MaxRetries:     retries,
		MaxConcurrency: cfg.Network.MaxConnectionsPerHost,
	}, httpClient, remote.TokenSourceFromPath(config.SessionPath()), logger)
}

// OpenEngineSession opens the local database and wires the engine for the
// logged-in user. A server is required unless the configured store type
// works offline.
func OpenEngineSession(ctx context.Context, cc *CLIContext) (*EngineSession, error) {
	cfg := cc.Cfg

	if cfg.Sync.StoreType != datastore.StoreSync.String() {
		if err := config.ValidateServer(&cfg.Server); err != nil {
			return nil, fmt.Errorf("store type %q needs a server: %w", cfg.Sync.StoreType, err)
		}
	}

	sess, err := tokenfile.Load(config.SessionPath())
	if err != nil {
		return nil, err
	}

	schemas, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	if cfg.Storage.DatabasePath != store.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), dataDirPermissions); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := store.Open(ctx, cfg.Storage.DatabasePath, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	client := newRemoteClient(cfg, cc.Logger)

	var userID string
	if sess != nil {
		userID = sess.UserID
	}

	engine := datastore.NewEngine(datastore.EngineConfig{
		Store:       db,
		Remote:      client,
		UserID:      userID,
		Schemas:     schemas,
		Logger:      cc.Logger,
		TTL:         cfg.Sync.TTLDuration(),
		MaxPageSize: cfg.Sync.MaxPageSize,
	})

	cc.Logger.Debug("engine session opened",
		slog.String("db", cfg.Storage.DatabasePath),
		slog.String("user_id", userID),
	)

	return &EngineSession{
		DB:      db,
		Client:  client,
		Engine:  engine,
		Session: sess,
		cfg:     cfg,
		logger:  cc.Logger,
	}, nil
}

// RequireServer fails unless the [server] section names an app and a user
// is logged in.
func (s *EngineSession) RequireServer() error {
	if err := config.ValidateServer(&s.cfg.Server); err != nil {
		return err
	}

	if s.Session == nil {
		return errors.New("not logged in: run 'docsync login' first")
	}

	return nil
}

// Collection returns the data store of name configured from [sync].
func (s *EngineSession) Collection(name string) (*datastore.DataStore, error) {
	st, err := datastore.ParseStoreType(s.cfg.Sync.StoreType)
	if err != nil {
		return nil, err
	}

	return s.Engine.Collection(name,
		datastore.WithStoreType(st),
		datastore.WithDeltaSet(s.cfg.Sync.DeltaSet),
		datastore.WithAutoPagination(s.cfg.Sync.AutoPagination),
		datastore.WithMultiInsert(s.cfg.Sync.MultiInsert),
		datastore.WithValidation(validatorFor(&s.cfg.Sync)),
		datastore.WithPageSize(s.cfg.Sync.MaxPageSize),
	), nil
}

// Close releases the local database.
func (s *EngineSession) Close() error {
	return s.DB.Close()
}

// validatorFor maps sync.validation to a datastore validator.
func validatorFor(s *config.SyncConfig) datastore.Validator {
	switch s.Validation {
	case "full":
		return datastore.ValidateAll{}
	case "sample":
		return datastore.RandomSample{Percent: s.ValidationSamplePercent}
	default:
		return nil
	}
}
