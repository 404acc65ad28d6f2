// Package server wires the sync server together: credential store, session
// store, operation registry, session manager and the two transports. It
// runs them until a signal arrives, then drains every session.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/ankisync/internal/filex"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/config"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
	"github.com/dmitrijs2005/ankisync/internal/server/services"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"github.com/dmitrijs2005/ankisync/internal/server/users"

	gs "github.com/dmitrijs2005/ankisync/internal/server/grpc"
	hs "github.com/dmitrijs2005/ankisync/internal/server/http"
)

// logOutput is where the server writes its JSON log lines.
var logOutput io.Writer = os.Stdout

type App struct {
	config   *config.Config
	logger   logging.Logger
	users    *users.Service
	store    *sessions.SQLiteStore
	sessions *sessions.Manager
	sync     *services.SyncService
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()
	logger := logging.NewJSONLogger(logOutput, c.LogLevel)

	if _, err := filex.EnsureDir(c.DataRoot); err != nil {
		return nil, fmt.Errorf("data root: %w", err)
	}

	policy, err := conflict.Parse(c.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	blobs, err := blobFactory(ctx, c)
	if err != nil {
		return nil, err
	}

	reg, err := syncops.NewRegistry(policy,
		syncops.WithChunkSize(c.ChunkSize),
		syncops.WithMinClientVersion(c.MinClientVersion),
		syncops.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	us, err := users.Open(ctx, c.AuthDatabaseDSN, c.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	store, err := sessions.OpenSQLiteStore(ctx, c.SessionDatabasePath)
	if err != nil {
		_ = us.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := sessions.NewManager(sessions.DirOpener{Blobs: blobs}, reg, store, logger)
	svc := services.NewSyncService(us, m, c.SecretKey, c.HostKeyValidityDuration, logger)

	logger.Info(ctx, "server configured",
		"conflict_policy", policy.Name(),
		"media_backend", c.MediaBackend,
		"data_root", c.DataRoot,
	)
	return &App{config: c, logger: logger, users: us, store: store, sessions: m, sync: svc}, nil
}

func blobFactory(ctx context.Context, c *config.Config) (sessions.BlobFactory, error) {
	switch c.MediaBackend {
	case "", "fs":
		return sessions.FSBlobs, nil
	case "s3":
		client, err := media.NewS3Client(ctx, media.S3Config{
			User:         c.S3RootUser,
			Password:     c.S3RootPassword,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return sessions.S3Blobs(client, c.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown media backend %q", c.MediaBackend)
	}
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case s := <-sigs:
			app.logger.Info(ctx, "signal received", "signal", s.String())
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// Run serves both transports and sweeps idle sessions until ctx is done or
// a transport fails. It then stops the transports, drains every session
// and closes the stores.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(ctx, cancelFunc)

	servers := []interface{ Run(context.Context) error }{
		gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.sync),
		hs.NewHTTPServer(app.config.EndpointAddrHTTP, app.logger, app.sync),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				app.logger.Error(ctx, err.Error())
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancelFunc()
			}
		}()
	}

	if app.config.SessionSweepInterval > 0 {
		app.sessions.StartSweeper(ctx, app.config.SessionSweepInterval, app.config.SessionIdleTimeout)
	}

	wg.Wait()

	shutdown := context.WithoutCancel(ctx)
	app.sessions.Close(shutdown)
	errs = append(errs, app.store.Close(), app.users.Close())

	app.logger.Info(shutdown, "App stopped")
	return errors.Join(errs...)
}
