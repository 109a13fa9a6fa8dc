package enricher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheJokr/chatload/pkg/batch"
	"github.com/TheJokr/chatload/pkg/eveapi"
	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/metrics"
	"github.com/TheJokr/chatload/pkg/runlock"
	"github.com/TheJokr/chatload/pkg/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultChunkSize = 200

// Store is the persistence side of an enrichment run.
type Store interface {
	ClaimStale(ctx context.Context, staleAfter time.Duration) ([]storage.Character, error)
	Apply(ctx context.Context, invalid []int64, resolved []storage.Resolution) error
}

// Resolver looks characters up in the EVE API.
type Resolver interface {
	CharacterIDs(ctx context.Context, names []string) (map[string]int64, error)
	Affiliations(ctx context.Context, ids []int64) (map[int64]eveapi.Affiliation, error)
}

// Options tune a run.
type Options struct {
	ChunkSize  int
	StaleAfter time.Duration
	ChunkDelay time.Duration
}

// Report summarises one run.
type Report struct {
	RunID        string
	Selected     int
	New          int // selected rows that were never resolved
	Chunks       int
	FailedChunks int
	Resolved     int
	Deleted      int
	Unaffiliated int
	Duration     time.Duration
}

// Service refreshes stale characters against the EVE API.
type Service struct {
	logger   *logger.Logger
	store    Store
	resolver Resolver
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewService creates a new enrichment service
func NewService(l *logger.Logger, store Store, resolver Resolver, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return &Service{
		logger:   l,
		store:    store,
		resolver: resolver,
		opts:     opts,
		sleep:    sleepCtx,
	}
}

// outcome collects what a run will write back.
type outcome struct {
	invalid      []int64
	resolved     []storage.Resolution
	unaffiliated int
}

// Run performs one enrichment pass: claim stale rows, resolve them chunk by
// chunk and commit the results in one transaction. A failed chunk is
// skipped, a storage failure aborts the run.
func (s *Service) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	log := s.logger.With(zap.String("run_id", report.RunID))

	chars, err := s.store.ClaimStale(ctx, s.opts.StaleAfter)
	if err != nil {
		metrics.EnricherRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to claim stale characters: %w", err)
	}
	report.Selected = len(chars)
	if len(chars) == 0 {
		log.Info("everything is up-to-date")
		metrics.EnricherRunsTotal.WithLabelValues("noop").Inc()
		report.Duration = time.Since(start)
		return report, nil
	}

	chunks := batch.Partition(chars, s.opts.ChunkSize)
	report.Chunks = len(chunks)
	for _, c := range chars {
		if !c.Resolved() {
			report.New++
		}
	}
	log.Info("enriching characters",
		zap.Int("characters", len(chars)),
		zap.Int("new", report.New),
		zap.Int("chunks", len(chunks)))

	var (
		out         outcome
		interrupted bool
	)
	for i, chunk := range chunks {
		if err := s.resolveChunk(ctx, log, chunk, &out); err != nil {
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			report.FailedChunks++
			metrics.EnricherChunksTotal.WithLabelValues("failed").Inc()
			log.WarnErr("chunk abandoned", err, zap.Int("chunk", i), zap.Int("size", len(chunk)))
		} else {
			metrics.EnricherChunksTotal.WithLabelValues("ok").Inc()
		}

		if i < len(chunks)-1 {
			if err := s.sleep(ctx, s.opts.ChunkDelay); err != nil {
				interrupted = true
				break
			}
		}
	}

	// Results gathered before an interruption are still committed.
	applyCtx := ctx
	if interrupted {
		log.Warn("run interrupted, committing gathered results")
		applyCtx = context.WithoutCancel(ctx)
	}
	if err := s.store.Apply(applyCtx, out.invalid, out.resolved); err != nil {
		metrics.EnricherRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to store enrichment results: %w", err)
	}

	report.Resolved = len(out.resolved)
	report.Deleted = len(out.invalid)
	report.Unaffiliated = out.unaffiliated
	report.Duration = time.Since(start)

	metrics.EnricherCharactersResolvedTotal.Add(float64(report.Resolved))
	metrics.EnricherCharactersDeletedTotal.Add(float64(report.Deleted))
	metrics.EnricherRunDuration.Observe(report.Duration.Seconds())

	log.Info("enrichment run finished",
		zap.Int("selected", report.Selected),
		zap.Int("new", report.New),
		zap.Int("chunks", report.Chunks),
		zap.Int("failed_chunks", report.FailedChunks),
		zap.Int("resolved", report.Resolved),
		zap.Int("deleted", report.Deleted),
		zap.Int("unaffiliated", report.Unaffiliated),
		zap.Duration("duration", report.Duration),
	)
	if interrupted {
		metrics.EnricherRunsTotal.WithLabelValues("canceled").Inc()
		return report, ctx.Err()
	}
	metrics.EnricherRunsTotal.WithLabelValues("ok").Inc()
	return report, nil
}

type pending struct {
	rowID       int64
	characterID int64
}

// resolveChunk resolves names first and affiliations second. Names that
// fail to resolve are queued for deletion even if the affiliation call
// fails afterwards.
func (s *Service) resolveChunk(ctx context.Context, log *logger.Logger, chunk []storage.Character, out *outcome) error {
	names := make([]string, len(chunk))
	for i, c := range chunk {
		names[i] = c.Name
	}

	ids, err := s.resolver.CharacterIDs(ctx, names)
	if err != nil {
		return fmt.Errorf("character id lookup: %w", err)
	}

	var found []pending
	for _, c := range chunk {
		id := ids[c.Name]
		if id == 0 {
			log.Warn("invalid character name, pending removal", zap.String("name", c.Name), zap.Int64("row", c.ID))
			out.invalid = append(out.invalid, c.ID)
			continue
		}
		found = append(found, pending{rowID: c.ID, characterID: id})
	}
	if len(found) == 0 {
		return nil
	}

	charIDs := make([]int64, len(found))
	for i, p := range found {
		charIDs[i] = p.characterID
	}
	affs, err := s.resolver.Affiliations(ctx, charIDs)
	if err != nil {
		return fmt.Errorf("affiliation lookup: %w", err)
	}

	for _, p := range found {
		a, ok := affs[p.characterID]
		if !ok {
			log.Warn("no affiliation returned", zap.Int64("character_id", p.characterID), zap.Int64("row", p.rowID))
			out.unaffiliated++
			continue
		}
		out.resolved = append(out.resolved, storage.Resolution{
			RowID:       p.rowID,
			CharacterID: p.characterID,
			Affiliation: storage.Affiliation{
				CorporationID:   a.CorporationID,
				CorporationName: a.CorporationName,
				AllianceID:      a.AllianceID,
				AllianceName:    a.AllianceName,
				FactionID:       a.FactionID,
				FactionName:     a.FactionName,
			},
		})
	}
	return nil
}

// RunLocked runs once while holding locker. It returns runlock.ErrLocked
// without touching storage if another run holds the lock.
func (s *Service) RunLocked(ctx context.Context, locker runlock.Locker) (Report, error) {
	release, err := locker.Acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnErr("failed to release run lock", err)
		}
	}()
	return s.Run(ctx)
}

// RunEvery runs immediately and then on every tick until ctx is done. A
// failed or skipped run does not stop the loop.
func (s *Service) RunEvery(ctx context.Context, interval time.Duration, locker runlock.Locker) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := s.RunLocked(ctx, locker)
		switch {
		case errors.Is(err, runlock.ErrLocked):
			s.logger.Info("another enrichment run holds the lock, skipping")
		case err != nil && ctx.Err() == nil:
			s.logger.Error("enrichment run failed", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
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
