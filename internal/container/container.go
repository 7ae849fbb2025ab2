// Package container drives media that a platform processes asynchronously:
// register a container, poll it until ready, then hand it to the publish call.
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog/log"
)

var (
	ErrCanceled = failure.New(failure.Validation, "publish record was deleted while waiting for media")
	ErrTimeout  = errors.New("media processing timed out")
)

type Store interface {
	Upsert(ctx context.Context, c *models.MediaContainer) (*models.MediaContainer, error)
	ListUnprocessed(ctx context.Context, publishID int64) ([]*models.MediaContainer, error)
	ListByPublishID(ctx context.Context, publishID int64) ([]*models.MediaContainer, error)
	CountFinished(ctx context.Context, publishID int64) (int, error)
	Advance(ctx context.Context, id int64, to models.ContainerStatus, errMsg string) error
	DeleteByPublishID(ctx context.Context, publishID int64) error
}

type Registration struct {
	PublishID   int64
	Platform    string
	ItemIndex   int
	JobID       string
	ContainerID string
	Category    string
}

// Probe reports the platform side status of c.
type Probe func(ctx context.Context, c *models.MediaContainer) (models.ContainerStatus, string, error)

// Alive reports whether the parent publish record still exists.
type Alive func(ctx context.Context) (bool, error)

type Machine struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
}

func NewMachine(store Store, interval, timeout time.Duration) *Machine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Machine{store: store, interval: interval, timeout: timeout}
}

func (m *Machine) CreateContainer(ctx context.Context, reg Registration) (*models.MediaContainer, error) {
	if reg.ContainerID == "" {
		return nil, failure.New(failure.PlatformRejected, "platform returned an empty container id")
	}
	c, err := m.store.Upsert(ctx, &models.MediaContainer{
		PublishID:   reg.PublishID,
		Platform:    reg.Platform,
		ItemIndex:   reg.ItemIndex,
		JobID:       reg.JobID,
		ContainerID: reg.ContainerID,
		Category:    reg.Category,
	})
	if err != nil {
		return nil, fmt.Errorf("register container: %w", err)
	}
	return c, nil
}

// Reset drops every container of publishID so a new attempt starts clean.
func (m *Machine) Reset(ctx context.Context, publishID int64) error {
	if err := m.store.DeleteByPublishID(ctx, publishID); err != nil {
		return fmt.Errorf("reset containers: %w", err)
	}
	return nil
}

func (m *Machine) PollUnprocessed(ctx context.Context, publishID int64) ([]*models.MediaContainer, error) {
	return m.store.ListUnprocessed(ctx, publishID)
}

func (m *Machine) CountFinished(ctx context.Context, publishID int64) (int, error) {
	return m.store.CountFinished(ctx, publishID)
}

// Advance moves c forward. Terminal containers are never touched again.
func (m *Machine) Advance(ctx context.Context, c *models.MediaContainer, to models.ContainerStatus, errMsg string) error {
	if c.Status == to {
		return nil
	}
	if !c.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: container %s %s -> %s", repository.ErrInvalidTransition, c.ContainerID, c.Status, to)
	}
	if err := m.store.Advance(ctx, c.ID, to, errMsg); err != nil {
		return err
	}
	c.Status = to
	c.ErrorMsg = errMsg
	return nil
}

// WaitReady polls every unprocessed container of publishID until all of them
// are finished, one fails, the timeout passes, ctx ends or alive reports the
// parent record gone. expected is the number of containers the publish call
// will reference.
func (m *Machine) WaitReady(ctx context.Context, publishID int64, expected int, probe Probe, alive Alive) ([]*models.MediaContainer, error) {
	logger := log.With().Int64("publish_id", publishID).Logger()

	if err := m.checkFailed(ctx, publishID); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if alive != nil {
			ok, err := alive(ctx)
			if err != nil {
				return nil, fmt.Errorf("check publish record: %w", err)
			}
			if !ok {
				logger.Info().Msg("publish record removed, abandoning container poll")
				return nil, ErrCanceled
			}
		}

		pending, err := m.store.ListUnprocessed(ctx, publishID)
		if err != nil {
			return nil, fmt.Errorf("list unprocessed containers: %w", err)
		}

		remaining := 0
		for _, c := range pending {
			status, msg, err := probe(ctx, c)
			if err != nil {
				if failure.Retryable(err) {
					logger.Warn().Err(err).Str("container_id", c.ContainerID).Msg("container status probe failed")
					remaining++
					continue
				}
				return nil, err
			}
			if err := m.Advance(ctx, c, status, msg); err != nil {
				if !errors.Is(err, repository.ErrInvalidTransition) {
					return nil, err
				}
				logger.Warn().Err(err).Msg("ignoring backward container status")
			}
			if c.Status == models.ContainerFailed {
				return nil, containerFailed(c)
			}
			if !c.Status.Terminal() {
				remaining++
			}
		}

		if remaining == 0 {
			finished, err := m.store.CountFinished(ctx, publishID)
			if err != nil {
				return nil, err
			}
			if finished < expected {
				if err := m.checkFailed(ctx, publishID); err != nil {
					return nil, err
				}
				return nil, failure.Newf(failure.Internal, "%d of %d containers finished", finished, expected)
			}
			return m.store.ListByPublishID(ctx, publishID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &failure.Error{Kind: failure.Transient, Message: fmt.Sprintf("%d containers still processing after %s", remaining, m.timeout), Err: ErrTimeout}
		case <-ticker.C:
		}
	}
}

func (m *Machine) checkFailed(ctx context.Context, publishID int64) error {
	all, err := m.store.ListByPublishID(ctx, publishID)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range all {
		if c.Status == models.ContainerFailed {
			return containerFailed(c)
		}
	}
	return nil
}

func containerFailed(c *models.MediaContainer) error {
	msg := c.ErrorMsg
	if msg == "" {
		msg = "media processing failed"
	}
	return &failure.Error{Kind: failure.PlatformRejected, Platform: c.Platform, Message: fmt.Sprintf("container %s: %s", c.ContainerID, msg)}
}
