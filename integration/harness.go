package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/sweatpool/sweatpool/cmd/sweatctl/client"
)

const shutdownTimeout = 15 * time.Second

// Harness runs a sweatpool daemon process and exposes a client bound to it.
type Harness struct {
	*client.HTTPClient

	cfg     *ServerConfig
	process *process
}

// NewHarness starts a daemon for cfg and waits until its REST API answers.
func NewHarness(ctx context.Context, cfg *ServerConfig) (*Harness, error) {
	cl, err := client.NewHTTPClient("http://"+cfg.RESTListen, client.WithRetryMax(0))
	if err != nil {
		return nil, err
	}
	h := &Harness{
		HTTPClient: cl,
		cfg:        cfg,
		process:    &process{cfg: cfg},
	}
	if err := h.process.start(); err != nil {
		return nil, fmt.Errorf("starting sweatpool: %w", err)
	}
	if err := h.waitReady(ctx); err != nil {
		_ = h.process.stop(shutdownTimeout)
		return nil, err
	}
	return h, nil
}

func (h *Harness) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := h.Info(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sweatpool at %s: %w\n%s", h.cfg.RESTListen, ctx.Err(), h.process.stderr.String())
		case <-h.process.exited:
			return fmt.Errorf("sweatpool exited during startup:\n%s", h.process.stderr.String())
		case <-ticker.C:
		}
	}
}

// Config returns the config the daemon was started with.
func (h *Harness) Config() *ServerConfig {
	return h.cfg
}

// TearDown interrupts the daemon and waits for it to shut down gracefully.
// The pool directory is left in place so a new harness can reuse it.
func (h *Harness) TearDown() error {
	return h.process.stop(shutdownTimeout)
}
