package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/pkg/logger"
)

type BatchResult struct {
	Count   int           `json:"count_processed"`
	Elapsed time.Duration `json:"-"`
	Indices []int         `json:"indices"`
}

// Scheduler scores windows of unprocessed fields. Model calls run without
// any session lock held; results are committed in one update at the end of
// the window.
type Scheduler struct {
	records      *RecordStore
	gateway      matcher.Gateway
	concurrency  int
	fieldTimeout time.Duration
	inflight     singleflight.Group
}

func NewScheduler(records *RecordStore, gateway matcher.Gateway, concurrency int, fieldTimeout time.Duration) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		records:      records,
		gateway:      gateway,
		concurrency:  concurrency,
		fieldTimeout: fieldTimeout,
	}
}

type scoredField struct {
	index   int
	name    string
	matches []matcher.Candidate
	err     error
}

// ProcessNextBatch scores up to the session's batch size of contiguous
// unprocessed fields starting at the first unprocessed index at or after
// the cursor. Concurrent triggers for the same session share one run.
func (s *Scheduler) ProcessNextBatch(ctx context.Context, id string) (*BatchResult, error) {
	v, err, shared := s.inflight.Do(id, func() (interface{}, error) {
		return s.runBatch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*BatchResult)
	if shared {
		logger.Debug("Joined in-flight batch", zap.String("session_id", id))
	}
	return res, nil
}

func (s *Scheduler) runBatch(ctx context.Context, id string) (*BatchResult, error) {
	start := time.Now()

	sess, err := s.records.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case StatusPaused:
		return nil, ErrSessionPaused
	case StatusCompleted:
		return &BatchResult{Indices: []int{}}, nil
	}

	window := nextWindow(sess)
	if len(window) == 0 {
		return &BatchResult{Indices: []int{}}, nil
	}

	results := make([]scoredField, len(window))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, idx := range window {
		i := i
		f := sess.Fields[idx]
		g.Go(func() error {
			results[i] = s.score(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	// A caller that went away must not strand scores already paid for, but
	// failures caused by its cancellation are not the field's fault.
	abandoned := ctx.Err() != nil
	writeCtx := context.WithoutCancel(ctx)

	var applied []int
	_, err = s.records.Update(writeCtx, id, func(cur *Session) error {
		applied = applied[:0]
		now := time.Now()
		for _, r := range results {
			if r.err != nil && abandoned {
				continue
			}
			if r.index >= len(cur.Fields) {
				continue
			}
			f := &cur.Fields[r.index]
			// improve may have landed while the window was scoring.
			if f.Processed || f.Name != r.name {
				continue
			}
			f.Processed = true
			f.ScoredAt = &now
			if r.err != nil {
				f.Matches = []matcher.Candidate{}
				f.ErrorNote = fmt.Sprintf("matching failed: %v", r.err)
			} else {
				f.Matches = r.matches
				f.ErrorNote = ""
			}
			applied = append(applied, r.index)
		}
		if len(applied) == 0 {
			return errNothingApplied
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNothingApplied) {
		return nil, fmt.Errorf("failed to store batch results: %w", err)
	}

	elapsed := time.Since(start)
	metrics.BatchDuration.Observe(elapsed.Seconds())

	logger.Info("Batch scored",
		zap.String("session_id", id),
		zap.Ints("window", window),
		zap.Int("count_processed", len(applied)),
		zap.Duration("elapsed", elapsed),
	)

	if applied == nil {
		applied = []int{}
	}
	return &BatchResult{Count: len(applied), Elapsed: elapsed, Indices: applied}, nil
}

var errNothingApplied = errors.New("no batch results applied")

func (s *Scheduler) score(ctx context.Context, f FieldRecord) scoredField {
	fctx := ctx
	if s.fieldTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.fieldTimeout)
		defer cancel()
	}

	feedback := matcher.FeedbackText(f.Feedback, "")
	matches, err := s.gateway.FindMatches(fctx, f.Name, f.EffectiveDefinition(), feedback)
	if err != nil {
		metrics.FieldsScored.WithLabelValues("error").Inc()
		logger.Warn("Field scoring failed, marking processed without matches",
			zap.String("field", f.Name),
			zap.Int("index", f.Index),
			zap.Error(err),
		)
		return scoredField{index: f.Index, name: f.Name, err: err}
	}
	if matches == nil {
		matches = []matcher.Candidate{}
	}
	metrics.FieldsScored.WithLabelValues("ok").Inc()
	return scoredField{index: f.Index, name: f.Name, matches: matches}
}

// nextWindow returns indices of the contiguous run of unprocessed fields
// beginning at the first unprocessed index at or after the cursor, capped
// at the batch size.
func nextWindow(s *Session) []int {
	start := -1
	for i := s.Cursor; i < len(s.Fields); i++ {
		if !s.Fields[i].Processed {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	size := s.BatchSize
	if size <= 0 {
		size = 1
	}

	window := make([]int, 0, size)
	for i := start; i < len(s.Fields) && len(window) < size; i++ {
		if s.Fields[i].Processed {
			break
		}
		window = append(window, i)
	}
	return window
}
