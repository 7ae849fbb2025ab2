package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrMissingParts = errors.New("complete requested with missing parts")

type Options struct {
	ChunkSize   int64
	MaxRetries  int
	Concurrency int
	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryJitter float64
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 5 * 1024 * 1024
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Job describes one file to push through a Client.
type Job struct {
	// Key identifies the upload for resumption. Empty disables resume.
	Key        string
	Init       InitRequest
	Source     io.ReaderAt
	Size       int64
	OnProgress func(percent float64)
}

type Pipeline struct {
	opt   Options
	store SessionStore
}

func NewPipeline(opt Options, store SessionStore) *Pipeline {
	return &Pipeline{opt: opt.withDefaults(), store: store}
}

func (p *Pipeline) ChunkSize() int64 { return p.opt.ChunkSize }

// Upload runs init, uploads every missing part and calls complete once all
// parts 1..N are acknowledged. It returns the destination URL or identifier.
func (p *Pipeline) Upload(ctx context.Context, c Client, job Job) (string, error) {
	if job.Size <= 0 || job.Source == nil {
		return "", failure.New(failure.Validation, "chunked upload needs a non-empty source")
	}
	chunks := Partition(job.Size, p.opt.ChunkSize)

	sess, err := p.openSession(ctx, c, job)
	if err != nil {
		return "", err
	}
	logger := log.With().Str("file_id", sess.FileID).Str("upload_id", sess.UploadID).Int("parts", len(chunks)).Logger()

	tr := newTracker(sess, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opt.Concurrency)

	for _, ch := range chunks {
		if tr.has(ch.PartNumber) {
			continue
		}
		g.Go(func() error {
			data := make([]byte, ch.Size)
			n, err := job.Source.ReadAt(data, ch.Offset)
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == ch.Size) {
				if failure.Retryable(err) {
					return err
				}
				return failure.Wrap(failure.Internal, err, fmt.Sprintf("read part %d", ch.PartNumber))
			}

			part, err := p.uploadWithRetry(gctx, c, Session{FileID: sess.FileID, UploadID: sess.UploadID},
				Part{Number: ch.PartNumber, Offset: ch.Offset, Total: job.Size, Data: data})
			if err != nil {
				logger.Warn().Err(err).Int("part", ch.PartNumber).Msg("chunk upload failed")
				return err
			}

			done := tr.add(part, func(snapshot *models.UploadSession) {
				p.persist(gctx, snapshot)
			})
			if job.OnProgress != nil {
				job.OnProgress(float64(done) / float64(len(chunks)) * 100)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	parts, err := tr.ordered()
	if err != nil {
		logger.Error().Bool("fatal", true).Err(err).Msg("refusing to complete upload")
		return "", failure.Wrap(failure.Internal, err, "chunked upload")
	}

	url, err := c.Complete(ctx, Session{FileID: sess.FileID, UploadID: sess.UploadID}, parts)
	if err != nil {
		return "", err
	}
	if p.store != nil && job.Key != "" {
		if err := p.store.Delete(ctx, job.Key); err != nil {
			logger.Warn().Err(err).Msg("failed to drop upload session")
		}
	}
	logger.Debug().Str("url", url).Msg("chunked upload complete")
	return url, nil
}

func (p *Pipeline) openSession(ctx context.Context, c Client, job Job) (*models.UploadSession, error) {
	if p.store != nil && job.Key != "" {
		existing, err := p.store.Load(ctx, job.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", job.Key).Msg("upload session lookup failed, starting fresh")
		} else if existing != nil && existing.TotalSize == job.Size && existing.ChunkSize == p.opt.ChunkSize {
			log.Info().Str("key", job.Key).Int("done", len(existing.Parts)).Msg("resuming chunked upload")
			return existing, nil
		}
	}

	init := job.Init
	init.FileSize = job.Size
	s, err := c.Init(ctx, init)
	if err != nil {
		return nil, err
	}
	sess := &models.UploadSession{
		Key:         job.Key,
		FileID:      s.FileID,
		UploadID:    s.UploadID,
		FileName:    init.FileName,
		ContentType: init.ContentType,
		TotalSize:   job.Size,
		ChunkSize:   p.opt.ChunkSize,
	}
	p.persist(ctx, sess)
	return sess, nil
}

func (p *Pipeline) persist(ctx context.Context, sess *models.UploadSession) {
	if p.store == nil || sess.Key == "" {
		return
	}
	if err := p.store.Save(ctx, sess); err != nil {
		log.Warn().Err(err).Str("key", sess.Key).Msg("failed to persist upload session")
	}
}

func (p *Pipeline) uploadWithRetry(ctx context.Context, c Client, s Session, part Part) (models.UploadPart, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.backoffDelay(attempt, lastErr)); err != nil {
				return models.UploadPart{}, err
			}
		}
		up, err := c.UploadPart(ctx, s, part)
		if err == nil {
			if up.PartNumber == 0 {
				up.PartNumber = part.Number
			}
			return up, nil
		}
		lastErr = err
		if !failure.Retryable(err) {
			return models.UploadPart{}, err
		}
	}
	return models.UploadPart{}, fmt.Errorf("part %d failed after %d attempts: %w", part.Number, p.opt.MaxRetries+1, lastErr)
}

// backoffDelay doubles from RetryBase per retry, capped at RetryMax, with
// symmetric jitter. A Retry-After hint replaces the computed base.
func (p *Pipeline) backoffDelay(retry int, err error) time.Duration {
	d := p.opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.opt.RetryMax {
			d = p.opt.RetryMax
			break
		}
	}
	if hint := failure.RetryAfterOf(err); hint > 0 {
		d = hint
	}
	r := (rand.Float64()*2 - 1) * p.opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.opt.RetryMax {
		d = p.opt.RetryMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type tracker struct {
	mu    sync.Mutex
	sess  models.UploadSession
	total int
}

func newTracker(sess *models.UploadSession, total int) *tracker {
	t := &tracker{sess: *sess, total: total}
	t.sess.Parts = append([]models.UploadPart(nil), sess.Parts...)
	return t
}

func (t *tracker) has(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.HasPart(n)
}

// add records part, hands a copy of the session to save and returns the
// completed count. save runs under the tracker lock so stored sessions only
// ever grow.
func (t *tracker) add(part models.UploadPart, save func(*models.UploadSession)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sess.HasPart(part.PartNumber) {
		t.sess.Parts = append(t.sess.Parts, part)
	}
	cp := t.sess
	cp.Parts = append([]models.UploadPart(nil), t.sess.Parts...)
	save(&cp)
	return len(t.sess.Parts)
}

func (t *tracker) ordered() ([]models.UploadPart, error) {
	t.mu.Lock()
	parts := append([]models.UploadPart(nil), t.sess.Parts...)
	t.mu.Unlock()
	return verifyParts(parts, t.total)
}

// verifyParts sorts parts and checks that exactly 1..total are present.
func verifyParts(parts []models.UploadPart, total int) ([]models.UploadPart, error) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if len(parts) != total {
		return nil, fmt.Errorf("%w: have %d of %d", ErrMissingParts, len(parts), total)
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: part %d absent", ErrMissingParts, i+1)
		}
	}
	return parts, nil
}
