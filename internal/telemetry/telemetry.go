package telemetry

import (
	"context"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation used when recording is disabled
type noopRecorder struct{}

func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Telemetry recording disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg)
	if err != nil {
		return nil, err // Already wrapped with appropriate error
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Msg("Telemetry recorder initialized")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, row *SnapshotRow) error {
	errFactory := errors.New()

	if row == nil {
		return errFactory.New(ErrInvalidRow)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Store(ctx, row); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

func (*noopRecorder) Record(_ context.Context, _ *SnapshotRow) error { return nil }

func (*noopRecorder) Close() error { return nil }
