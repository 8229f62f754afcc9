package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
)

// KeyEnvVar names the environment variable that can carry the base64
// encoded ed25519 private key of the pool.
const KeyEnvVar = "SWEATPOOL_PRIVATE_KEY"

const stateFilename = "state.bin"

type state struct {
	PrivKey []byte
}

// saveState writes s xdr encoded to datadir, replacing the previous state atomically.
func saveState(datadir string, s *state) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, s); err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(datadir, stateFilename), &buf); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

func readState(datadir string) (*state, error) {
	data, err := os.ReadFile(filepath.Join(datadir, stateFilename))
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	s := &state{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), s); err != nil {
		return nil, fmt.Errorf("deserializing state: %w", err)
	}
	return s, nil
}

// loadState reads the persisted state from datadir.
// A key passed in keyb64 takes precedence for a fresh datadir and must match
// the persisted one otherwise. Without either a new key is generated.
func loadState(ctx context.Context, datadir, keyb64 string) (*state, error) {
	logger := logging.FromContext(ctx)

	var envKey ed25519.PrivateKey
	if keyb64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyb64)
		if err != nil {
			return nil, fmt.Errorf("decoding private key: %w", err)
		}
		if len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key length: %d (expected %d)", len(key), ed25519.PrivateKeySize)
		}
		envKey = key
	}

	s, err := readState(datadir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if envKey != nil {
			logger.Info("using private key from environment")
			return &state{PrivKey: envKey}, nil
		}
		logger.Info("generating new private key")
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generating private key: %w", err)
		}
		return &state{PrivKey: key}, nil
	case err != nil:
		return nil, err
	}

	if len(s.PrivKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("persisted private key has invalid length %d", len(s.PrivKey))
	}
	if envKey != nil && !bytes.Equal(envKey, s.PrivKey) {
		return nil, fmt.Errorf("private key from %s does not match the persisted one", KeyEnvVar)
	}
	logger.Debug("loaded persisted state", zap.String("datadir", datadir))
	return s, nil
}
