package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/renameio/v2"
	"github.com/jameshartig/emporiasync/pkg/log"
)

var ErrBundleNotFound = errors.New("token bundle not found")

// Store persists the token bundle.
type Store interface {
	Load(ctx context.Context) (Bundle, error)
	Save(ctx context.Context, b Bundle) error
}

func jsonBundle(b Bundle) ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode token bundle: %w", err)
	}
	return data, nil
}

func decodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode token bundle: %w", err)
	}
	return b, nil
}

// FileStore keeps the bundle in a local JSON file readable only by the owner.
type FileStore struct {
	Path string
}

func (s FileStore) Load(ctx context.Context) (Bundle, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, ErrBundleNotFound
		}
		return Bundle{}, fmt.Errorf("read token file: %w", err)
	}
	return decodeBundle(data)
}

// Save replaces the file atomically so a crash never leaves a partial bundle.
func (s FileStore) Save(ctx context.Context, b Bundle) error {
	data, err := jsonBundle(b)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// MirrorStore writes through to a primary and a secondary store. Only the
// primary must succeed; a secondary failure is logged.
type MirrorStore struct {
	Primary   Store
	Secondary Store
}

// Load prefers the primary and falls back to the secondary when the primary
// has no bundle.
func (s MirrorStore) Load(ctx context.Context) (Bundle, error) {
	b, err := s.Primary.Load(ctx)
	if err == nil || !errors.Is(err, ErrBundleNotFound) {
		return b, err
	}
	b, err = s.Secondary.Load(ctx)
	if err != nil {
		return Bundle{}, err
	}
	if err := s.Primary.Save(ctx, b); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore token bundle to primary store", slog.Any("error", err))
	}
	return b, nil
}

func (s MirrorStore) Save(ctx context.Context, b Bundle) error {
	if err := s.Primary.Save(ctx, b); err != nil {
		return err
	}
	if err := s.Secondary.Save(ctx, b); err != nil {
		remotePersistOK.Set(0)
		log.Ctx(ctx).WarnContext(ctx, "failed to mirror token bundle", slog.Any("error", err))
		return nil
	}
	remotePersistOK.Set(1)
	return nil
}
