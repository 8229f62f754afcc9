package integration

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sweatpool/sweatpool/server"
)

// ServerConfig holds the arguments a sweatpool process is launched with.
type ServerConfig struct {
	PoolDir       string
	RESTListen    string
	SweepInterval time.Duration
	PrivateKey    ed25519.PrivateKey

	exe string
}

// DefaultConfig returns a config storing everything in poolDir, listening on
// a free local port and signing with a fresh key.
func DefaultConfig(poolDir string) (*ServerConfig, error) {
	exe, err := poolExecutablePath(os.TempDir())
	if err != nil {
		return nil, err
	}
	listen, err := freeAddr()
	if err != nil {
		return nil, err
	}
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		PoolDir:    poolDir,
		RESTListen: listen,
		PrivateKey: key,
		exe:        exe,
	}, nil
}

func (cfg *ServerConfig) genArgs() []string {
	return []string{
		"--pooldir=" + cfg.PoolDir,
		"--logdir=" + filepath.Join(cfg.PoolDir, "logs"),
		"--datadir=" + filepath.Join(cfg.PoolDir, "data"),
		"--dbdir=" + filepath.Join(cfg.PoolDir, "db"),
		"--restlisten=" + cfg.RESTListen,
		"--debuglog",
		fmt.Sprintf("--sweep-interval=%s", cfg.SweepInterval),
	}
}

// process manages one running sweatpool daemon.
type process struct {
	cfg *ServerConfig
	cmd *exec.Cmd

	stderr bytes.Buffer

	// exited is closed once the process has terminated.
	exited chan struct{}
	err    error
	mu     sync.Mutex
}

func (p *process) start() error {
	p.cmd = exec.Command(p.cfg.exe, p.cfg.genArgs()...)
	p.cmd.Env = append(os.Environ(),
		server.KeyEnvVar+"="+base64.StdEncoding.EncodeToString(p.cfg.PrivateKey),
	)
	p.cmd.Stderr = &p.stderr
	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.exited = make(chan struct{})
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return nil
}

// stop interrupts the process and waits for a graceful shutdown, killing it
// when it does not exit in time.
func (p *process) stop(timeout time.Duration) error {
	if p.exited == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupting process: %w", err)
	}
	select {
	case <-p.exited:
	case <-time.After(timeout):
		_ = p.cmd.Process.Kill()
		<-p.exited
		return fmt.Errorf("process did not exit within %s:\n%s", timeout, p.stderr.String())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return fmt.Errorf("process exited with %w:\n%s", p.err, p.stderr.String())
	}
	return nil
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
