// Package dispatch runs batches. Inline batches fan their rows out to the
// generation backend and write the outcomes back in chunks; external
// batches are handed to a remote backend that reports completion by
// webhook.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/events"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/phrazzld/enrich-api/internal/platform/backend"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
	"github.com/phrazzld/enrich-api/internal/task"
	"golang.org/x/sync/errgroup"
)

// WebhookPath is the route the remote backend reports completion to.
const WebhookPath = "/api/webhooks/batch-complete"

// ErrNoGenerator is returned when an inline batch is run without a generator.
var ErrNoGenerator = errors.New("no generator configured for inline dispatch")

// ErrNoBackend is returned when an external batch is run without a backend client.
var ErrNoBackend = errors.New("no backend configured for external dispatch")

// Backend hands a batch to the remote generation backend.
type Backend interface {
	Handoff(ctx context.Context, req backend.Request) error
}

// Config controls dispatch behavior.
type Config struct {
	// Concurrency bounds the rows in flight for one batch.
	Concurrency int
	// ChunkSize bounds the row results written per store call.
	ChunkSize int
	// BatchDeadline bounds all generation calls of one batch.
	BatchDeadline time.Duration
	// CallbackURL is the webhook URL given to the remote backend.
	CallbackURL string
}

// ConfigFrom derives the dispatch configuration from the application config.
func ConfigFrom(cfg *config.Config) Config {
	callback := ""
	if cfg.Server.PublicURL != "" {
		callback = strings.TrimRight(cfg.Server.PublicURL, "/") + WebhookPath
	}
	return Config{
		Concurrency:   cfg.Dispatch.Concurrency,
		ChunkSize:     cfg.Dispatch.ChunkSize,
		BatchDeadline: cfg.Dispatch.BatchDeadline,
		CallbackURL:   callback,
	}
}

// Service runs batches.
type Service struct {
	batches   store.BatchStore
	generator generation.Generator
	backend   Backend
	retry     generation.RetryPolicy
	emitter   events.EventEmitter
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a dispatch Service. generator may be nil when only
// external batches are run, and backend may be nil when only inline
// batches are run.
func NewService(
	batches store.BatchStore,
	generator generation.Generator,
	backend Backend,
	retry generation.RetryPolicy,
	emitter events.EventEmitter,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if batches == nil {
		panic("batches cannot be nil")
	}
	if emitter == nil {
		panic("emitter cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = time.Hour
	}
	return &Service{
		batches:   batches,
		generator: generator,
		backend:   backend,
		retry:     retry,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Run dispatches the batch. It is safe to call again for the same batch:
// terminal batches are left alone and rows that already finished are not
// processed twice. When ctx is cancelled mid-run the batch stays in
// processing so that the run can be resumed.
func (s *Service) Run(ctx context.Context, batchID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("batch_id", batchID.String()))
	ctx = logger.WithLogger(ctx, log)

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status.IsTerminal() {
		log.Info("batch already terminal, nothing to dispatch", slog.String("status", string(batch.Status)))
		return nil
	}

	if batch.Config.Mode == domain.DispatchModeExternal {
		return s.runExternal(ctx, batch)
	}
	return s.runInline(ctx, batch)
}

func (s *Service) runInline(ctx context.Context, batch *domain.Batch) error {
	log := logger.FromContext(ctx)

	if s.generator == nil {
		s.fail(ctx, batch.ID, ErrNoGenerator)
		return ErrNoGenerator
	}

	rows, err := s.batches.ListRowResults(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load rows: %w", err)
	}

	applied, err := s.batches.TransitionStatus(ctx, batch.ID, domain.BatchStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	if !applied {
		log.Info("batch became terminal before dispatch")
		return nil
	}

	pending := make([]*domain.RowResult, 0, len(rows))
	for _, r := range rows {
		if !r.Status.IsFinished() {
			pending = append(pending, r)
		}
	}
	log.Info("dispatching rows",
		slog.Int("rows", len(rows)),
		slog.Int("pending", len(pending)),
		slog.Int("concurrency", s.cfg.Concurrency))

	start := time.Now()
	if err := s.fanOut(ctx, batch, pending); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		log.Warn("dispatch interrupted, batch left processing", slog.String("error", err.Error()))
		return err
	}

	counts, err := s.batches.CountFinishedRows(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to count finished rows: %w", err)
	}

	final := domain.CompletionStatus(counts.Failed)
	log.Info("dispatch finished",
		slog.Int("succeeded", counts.Succeeded),
		slog.Int("failed", counts.Failed),
		slog.Duration("duration", time.Since(start)))

	return s.complete(ctx, batch, final, counts)
}

// fanOut processes rows concurrently and streams every outcome to a single
// writer. A row's failure is recorded in its result and never stops the
// other rows. When a write fails after some chunks were stored the batch
// stays processing and the error is retryable, so the task runs again and
// finishes the remaining rows.
func (s *Service) fanOut(ctx context.Context, batch *domain.Batch, rows []*domain.RowResult) error {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchDeadline)
	defer cancel()

	type writeResult struct {
		chunks int
		err    error
	}
	outcomes := make(chan *domain.RowResult, s.cfg.ChunkSize)
	written := make(chan writeResult, 1)
	go func() {
		chunks, err := s.writeOutcomes(ctx, batch.ID, outcomes)
		written <- writeResult{chunks: chunks, err: err}
	}()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, row := range rows {
		g.Go(func() error {
			if outcome := s.processRow(genCtx, ctx, batch, row); outcome != nil {
				outcomes <- outcome
			}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	res := <-written
	if res.err == nil {
		return nil
	}
	if res.chunks == 0 {
		s.fail(ctx, batch.ID, res.err)
		return fmt.Errorf("failed to write row results: %w", res.err)
	}
	logger.FromContext(ctx).Warn("row results partially written, batch left processing",
		slog.Int("chunks_written", res.chunks),
		slog.String("error", res.err.Error()))
	return task.Retryable(fmt.Errorf("failed to write row results after %d chunks: %w", res.chunks, res.err))
}

// processRow returns the row's outcome, or nil when ctx was cancelled and
// the row should stay pending.
func (s *Service) processRow(
	genCtx, ctx context.Context,
	batch *domain.Batch,
	row *domain.RowResult,
) *domain.RowResult {
	log := logger.FromContext(ctx).With(slog.Int("row_index", row.RowIndex))

	fields, err := row.InputFields()
	if err != nil {
		row.Fail("row input is not a JSON object")
		return row
	}

	prompt, err := generation.BuildPrompt(batch.Config.Prompt, fields, batch.Config.OutputSchema)
	if err != nil {
		row.Fail(err.Error())
		return row
	}

	resp, err := s.retry.Generate(genCtx, s.generator, generation.Request{
		Prompt:       prompt,
		OutputSchema: batch.Config.OutputSchema,
		Tools:        batch.Config.Tools,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			row.Fail("batch deadline exceeded")
		} else {
			row.Fail(err.Error())
		}
		log.Debug("row failed", slog.String("error", err.Error()))
		return row
	}

	row.Succeed(resp.Output, resp.TokensIn, resp.TokensOut, resp.Model, resp.ToolsUsed)
	return row
}

// writeOutcomes upserts outcomes in chunks and refreshes the processed row
// counter after each chunk. It drains in even after a failed write and
// returns the number of stored chunks with the first error.
func (s *Service) writeOutcomes(ctx context.Context, batchID uuid.UUID, in <-chan *domain.RowResult) (int, error) {
	writeCtx := context.WithoutCancel(ctx)
	buf := make([]*domain.RowResult, 0, s.cfg.ChunkSize)
	var (
		chunks   int
		firstErr error
	)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		if firstErr == nil {
			if err := s.batches.UpsertRowResults(writeCtx, buf); err != nil {
				firstErr = err
			} else {
				chunks++
				if _, err := s.batches.RefreshProcessedRows(writeCtx, batchID); err != nil {
					logger.FromContext(ctx).Warn("failed to refresh processed rows", slog.String("error", err.Error()))
				}
			}
		}
		buf = buf[:0]
	}

	for outcome := range in {
		buf = append(buf, outcome)
		if len(buf) >= s.cfg.ChunkSize {
			flush()
		}
	}
	flush()
	return chunks, firstErr
}

func (s *Service) runExternal(ctx context.Context, batch *domain.Batch) error {
	log := logger.FromContext(ctx)

	if s.backend == nil || s.cfg.CallbackURL == "" {
		s.fail(ctx, batch.ID, ErrNoBackend)
		return ErrNoBackend
	}

	rows, err := s.batches.ListRowResults(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load rows: %w", err)
	}
	inputs := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		fields, err := r.InputFields()
		if err != nil {
			fields = domain.Row{}
		}
		inputs = append(inputs, fields)
	}

	applied, err := s.batches.TransitionStatus(ctx, batch.ID, domain.BatchStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	if !applied {
		log.Info("batch became terminal before handoff")
		return nil
	}

	req := backend.Request{
		BatchID:      batch.ID,
		CallbackURL:  s.cfg.CallbackURL,
		Rows:         inputs,
		Prompt:       batch.Config.Prompt,
		OutputSchema: batch.Config.OutputSchema,
		Tools:        batch.Config.Tools,
		SourceURL:    batch.Config.SourceURL,
	}
	err = s.retry.Do(ctx, "backend handoff", func(ctx context.Context) error {
		return s.backend.Handoff(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.fail(ctx, batch.ID, err)
		return fmt.Errorf("backend handoff failed: %w", err)
	}

	log.Info("batch handed off, awaiting webhook", slog.Int("rows", len(inputs)))
	return nil
}

// complete applies the terminal transition and, when it took effect,
// requests artifact materialization.
func (s *Service) complete(
	ctx context.Context,
	batch *domain.Batch,
	final domain.BatchStatus,
	counts domain.RowCounts,
) error {
	log := logger.FromContext(ctx)

	applied, err := s.batches.TransitionStatus(ctx, batch.ID, final)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	if !applied {
		log.Info("batch already completed elsewhere", slog.String("status", string(final)))
		return nil
	}

	if batch.Config.ArtifactType != "" && counts.Succeeded > 0 {
		RequestArtifacts(ctx, s.emitter, batch.ID)
	}
	return nil
}

// fail marks the batch failed. Errors are logged.
func (s *Service) fail(ctx context.Context, batchID uuid.UUID, cause error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	if _, err := s.batches.TransitionStatus(context.WithoutCancel(ctx), batchID, domain.BatchStatusFailed); err != nil {
		log.Error("failed to mark batch failed",
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		return
	}
	log.Error("batch failed", slog.String("error", cause.Error()))
}

// RequestArtifacts emits an artifact materialization event for the batch.
// Failures are logged and otherwise ignored.
func RequestArtifacts(ctx context.Context, emitter events.EventEmitter, batchID uuid.UUID) {
	event := events.NewBatchEvent(events.EventTypeArtifactMaterialization, batchID)
	if err := emitter.EmitEvent(context.WithoutCancel(ctx), event); err != nil {
		logger.FromContext(ctx).Warn("failed to request artifact materialization",
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()))
	}
}
