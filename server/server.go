package server

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/rpc"
	"github.com/sweatpool/sweatpool/service"
	"github.com/sweatpool/sweatpool/vault"
)

type Server struct {
	svc   *service.Service
	vault *vault.Vault
	cfg   Config

	restListener    net.Listener
	metricsListener net.Listener

	privateKey ed25519.PrivateKey
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	// Resolve the REST listener
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawRESTListener)
	if err != nil {
		return nil, err
	}
	restListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	var metricsListener net.Listener
	if cfg.MetricsPort != nil {
		metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			restListener.Close()
			return nil, fmt.Errorf("failed to listen for metrics: %v", err)
		}
	}

	closeListeners := func() {
		restListener.Close()
		if metricsListener != nil {
			metricsListener.Close()
		}
	}

	for _, dir := range []string{cfg.DataDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			closeListeners()
			return nil, err
		}
	}

	s, err := loadState(ctx, cfg.DataDir, os.Getenv(KeyEnvVar))
	if err != nil {
		closeListeners()
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if err := saveState(cfg.DataDir, s); err != nil {
		closeListeners()
		return nil, fmt.Errorf("saving state: %w", err)
	}
	privateKey := ed25519.PrivateKey(s.PrivKey)

	v, err := vault.Open(cfg.VaultFile)
	if err != nil {
		closeListeners()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	svc, err := service.New(
		ctx,
		cfg.DbDir,
		v,
		service.WithConfig(cfg.Service),
		service.WithPrivateKey(privateKey),
	)
	if err != nil {
		closeListeners()
		return nil, multierror.Append(fmt.Errorf("creating service: %w", err), v.Close())
	}

	return &Server{
		svc:        svc,
		vault:      v,
		cfg:        cfg,
		privateKey: privateKey,

		restListener:    restListener,
		metricsListener: metricsListener,
	}, nil
}

// Close releases the databases. Listeners are closed by Start.
func (s *Server) Close() error {
	var result *multierror.Error
	if err := s.svc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing service: %w", err))
	}
	if err := s.vault.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing vault: %w", err))
	}
	return result.ErrorOrNil()
}

// RestAddr returns the address that the REST API is listening on.
func (s *Server) RestAddr() net.Addr {
	return s.restListener.Addr()
}

// MetricsAddr returns the address metrics are exposed on or nil if disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

func (s *Server) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// Service exposes the underlying challenge service.
func (s *Server) Service() *service.Service {
	return s.svc
}

// Start serves the REST API, the metrics endpoint and the settlement sweeper
// until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	scheduler, err := s.startSweeper(ctx)
	if err != nil {
		return err
	}

	e := rpc.NewEcho(logger)
	rpc.NewServer(s.svc).Register(e)
	server := &http.Server{Handler: e, ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("REST server listening on %s", s.restListener.Addr())
		err := server.Serve(s.restListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsServer *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics exposed on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			logger.Sugar().Errorf("failed to shutdown sweeper: %s", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown server: %s", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
	}
	return nil
}

// startSweeper schedules settlement of expired challenges attested by the
// pool key. It returns a nil scheduler when sweeping is disabled.
func (s *Server) startSweeper(ctx context.Context) (gocron.Scheduler, error) {
	interval := s.cfg.Service.SweepInterval
	if interval <= 0 {
		return nil, nil
	}
	logger := logging.FromContext(ctx).Named("sweeper")

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			settled, err := s.svc.SettleExpired(logging.NewContext(ctx, logger))
			if err != nil {
				logger.Warn("failed to settle expired challenges", zap.Int("settled", settled), zap.Error(err))
				return
			}
			if settled > 0 {
				logger.Info("settled expired challenges", zap.Int("settled", settled))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("scheduling sweeper: %w", err), scheduler.Shutdown())
	}
	scheduler.Start()
	logger.Info("sweeper started", zap.Duration("interval", interval))
	return scheduler, nil
}
