package lastknown

import (
	"context"
	"log/slog"

	"github.com/positrack/positrack/internal/types"
)

// teeStore writes through to a mirror and reads from the primary. Mirror
// failures are logged and swallowed: the mirror is a convenience for
// external readers, never a dependency of the ingest path.
type teeStore struct {
	primary Store
	mirror  Store
	logger  *slog.Logger
}

// NewTee layers a mirror (typically Redis) behind a primary (typically the
// in-process map).
func NewTee(primary, mirror Store, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &teeStore{primary: primary, mirror: mirror, logger: logger}
}

func (t *teeStore) Put(ctx context.Context, r *types.Report) (bool, error) {
	advanced, err := t.primary.Put(ctx, r)
	if err != nil {
		return advanced, err
	}
	if advanced {
		if _, merr := t.mirror.Put(ctx, r); merr != nil {
			t.logger.Warn("last-known mirror write failed",
				slog.String("device", r.DeviceID), slog.Any("error", merr))
		}
	}
	return advanced, nil
}

func (t *teeStore) Get(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	return t.primary.Get(ctx, deviceID)
}

func (t *teeStore) All(ctx context.Context) ([]*types.LastKnown, error) {
	return t.primary.All(ctx)
}

func (t *teeStore) Count(ctx context.Context) (int, error) {
	return t.primary.Count(ctx)
}

func (t *teeStore) Close() error {
	err := t.primary.Close()
	if merr := t.mirror.Close(); err == nil {
		err = merr
	}
	return err
}
