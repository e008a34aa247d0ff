package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/adapters/adb"
	"github.com/xkilldash9x/droidpatrol/internal/adapters/mobilemcp"
	"github.com/xkilldash9x/droidpatrol/internal/adapters/u2"
	"github.com/xkilldash9x/droidpatrol/internal/artifacts"
	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/network"
	"github.com/xkilldash9x/droidpatrol/internal/observability"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
	"github.com/xkilldash9x/droidpatrol/internal/router"
	"github.com/xkilldash9x/droidpatrol/internal/store"
)

// deviceSession is everything built for one device: the routed adapters and the
// executor driving them.
type deviceSession struct {
	Serial  string
	Exec    *executor.Executor
	closers []io.Closer
	logger  *zap.Logger
}

// Close releases backend connections.
func (s *deviceSession) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
}

// sessionProvider opens a device session. Tests inject one backed by a fake device.
type sessionProvider interface {
	Open(ctx context.Context, cfg config.Interface, serial string) (*deviceSession, error)
}

type defaultSessionProvider struct{}

func newDefaultSessionProvider() sessionProvider {
	return defaultSessionProvider{}
}

// Open builds the configured backends for serial in priority order. A backend that fails
// to start is skipped; the session fails only when none start.
func (defaultSessionProvider) Open(ctx context.Context, cfg config.Interface, serial string) (*deviceSession, error) {
	logger := observability.ForDevice(serial)
	sess := &deviceSession{Serial: serial, logger: logger}

	var adapters []device.Adapter
	for _, name := range cfg.Device().Backends {
		a, closer, err := openBackend(ctx, cfg, strings.ToLower(name), serial, logger)
		if err != nil {
			logger.Warn("Backend skipped", zap.String("backend", name), zap.Error(err))
			continue
		}
		adapters = append(adapters, a)
		if closer != nil {
			sess.closers = append(sess.closers, closer)
		}
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no backend could be started for device %q", device.ErrBackendUnavailable, serial)
	}

	opts := []executor.Option{executor.WithBlockedHints(cfg.Executor().Hints()...)}
	if dir := cfg.Executor().ArtifactDir; dir != "" {
		sink, err := artifacts.NewFileSink(dir, logger)
		if err != nil {
			logger.Warn("Debug bundles disabled", zap.Error(err))
		} else {
			opts = append(opts, executor.WithArtifactSink(sink))
		}
	}

	r := router.New(logger, cfg.Device().CallTimeout, adapters...)
	sess.Exec = executor.New(r, cfg.Executor().ToExecutor(), logger, opts...)
	logger.Info("Device session ready", zap.Strings("backends", r.Adapters()))
	return sess, nil
}

func openBackend(ctx context.Context, cfg config.Interface, name, serial string, logger *zap.Logger) (device.Adapter, io.Closer, error) {
	switch name {
	case config.BackendU2:
		uc := u2Config(cfg, serial)
		a, err := u2.New(uc, network.NewClient(uc.ClientConfig(logger)), logger)
		return a, nil, err
	case config.BackendMobileMCP:
		a, err := mobilemcp.Dial(ctx, mobileMCPConfig(cfg, serial), logger)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	case config.BackendADB:
		ac := cfg.ADB()
		if ac.Serial == "" {
			ac.Serial = serial
		}
		return adb.New(ac, nil, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

func u2Config(cfg config.Interface, serial string) u2.Config {
	uc := cfg.U2()
	uc.URL = cfg.Device().U2URL(serial, uc.URL)
	return uc
}

func mobileMCPConfig(cfg config.Interface, serial string) mobilemcp.Config {
	mc := cfg.MobileMCP()
	mc.ClientVersion = Version
	if mc.Device == "" {
		mc.Device = serial
	}
	return mc
}

// reportStore is the part of the store the commands use.
type reportStore interface {
	SaveReport(ctx context.Context, r *patrol.Report) error
	GetReport(ctx context.Context, runID string) (*patrol.Report, error)
}

// storeProvider creates the report store. Tests inject an in-memory one.
type storeProvider interface {
	Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the PostgreSQL-backed provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

var errNoDatabase = errors.New("database URL is not configured (DROIDPATROL_DATABASE_URL)")

// Create connects, prepares the schema, and returns the store with a cleanup func.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, errNoDatabase
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize report store: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}
