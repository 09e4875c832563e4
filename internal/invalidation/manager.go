// Package invalidation submits CloudFront cache invalidations in bounded
// batches, with flat-paced retries when the distribution throttles new
// invalidation requests.
package invalidation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/rs/xid"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/storage"
	"github.com/mediaops/mediaops/pkg/errors"
	"github.com/mediaops/mediaops/pkg/retry"
)

// BatchStatus describes the lifecycle of one invalidation request.
type BatchStatus string

const (
	StatusPending    BatchStatus = "Pending"
	StatusInProgress BatchStatus = "InProgress"
	StatusCompleted  BatchStatus = "Completed"
	StatusFailed     BatchStatus = "Failed"
)

// CloudFrontAPI is the subset of the CloudFront client the manager uses.
type CloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
	GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
}

// SubBatch is one CreateInvalidation call carved out of a larger request.
type SubBatch struct {
	CallerReference string      `json:"callerReference"`
	InvalidationID  string      `json:"invalidationId,omitempty"`
	Paths           []string    `json:"paths"`
	Status          BatchStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	SubmittedAt     time.Time   `json:"submittedAt,omitempty"`
}

// Batch is the record of one invalidation request, possibly split across
// several CreateInvalidation calls.
type Batch struct {
	ID         string      `json:"id"`
	Paths      []string    `json:"paths"`
	SubBatches []SubBatch  `json:"subBatches"`
	Status     BatchStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Recorder mirrors the storage recorder so invalidation outcomes feed the
// same sliding-window error rates.
type Recorder interface {
	RecordOperation(source string, duration time.Duration, success bool)
}

// Manager submits path invalidations against a single distribution.
type Manager struct {
	api            CloudFrontAPI
	distributionID string
	cfg            config.CDNConfig
	recorder       Recorder
	logger         *slog.Logger

	mu      sync.RWMutex
	history []*Batch

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a Manager for the configured distribution.
func NewManager(api CloudFrontAPI, cfg config.CDNConfig, recorder Recorder) *Manager {
	return &Manager{
		api:            api,
		distributionID: cfg.DistributionID,
		cfg:            cfg,
		recorder:       recorder,
		logger:         slog.Default().With("component", "invalidation"),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// ValidatePath checks a single invalidation pattern. Patterns are absolute
// paths; a wildcard is allowed only as the final character.
func ValidatePath(p string) error {
	if p == "" {
		return errors.New(errors.ErrCodeInvalidArgument, "invalidation path cannot be empty").
			WithComponent("invalidation")
	}
	if !strings.HasPrefix(p, "/") {
		return errors.New(errors.ErrCodeInvalidArgument, "invalidation path must start with /").
			WithContext("path", p).
			WithComponent("invalidation")
	}
	if i := strings.Index(p, "*"); i >= 0 && i != len(p)-1 {
		return errors.New(errors.ErrCodeInvalidArgument, "wildcard is only allowed at the end of a path").
			WithContext("path", p).
			WithComponent("invalidation")
	}
	if strings.Contains(p, " ") {
		return errors.New(errors.ErrCodeInvalidArgument, "invalidation path cannot contain spaces").
			WithContext("path", p).
			WithComponent("invalidation")
	}
	return nil
}

// PathForKey maps an object key to the invalidation path that covers it.
func PathForKey(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}

// ParsePathsFile reads one invalidation pattern per line. Blank lines and
// lines starting with # are skipped; every remaining line must validate.
func ParsePathsFile(r io.Reader) ([]string, error) {
	var paths []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		p := strings.TrimSpace(sc.Text())
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if err := ValidatePath(p); err != nil {
			if e, ok := err.(*errors.Error); ok {
				return nil, e.WithDetail("line", line)
			}
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "failed to read paths file").
			WithCause(err).
			WithComponent("invalidation")
	}
	if len(paths) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "paths file contains no invalidation paths").
			WithComponent("invalidation")
	}
	return paths, nil
}

// split carves paths into chunks of at most limit, preserving order. Every
// input path lands in exactly one chunk.
func split(paths []string, limit int) [][]string {
	if limit <= 0 {
		limit = 1
	}
	var out [][]string
	for len(paths) > limit {
		out = append(out, paths[:limit])
		paths = paths[limit:]
	}
	if len(paths) > 0 {
		out = append(out, paths)
	}
	return out
}

func newCallerReference() string {
	return fmt.Sprintf("inv-%d-%s", time.Now().UnixMilli(), xid.New().String())
}

// Invalidate validates, deduplicates, splits, and submits the given paths.
// The returned batch reflects the final state of every sub-batch; a partial
// failure marks the batch Failed but leaves completed sub-batches recorded.
func (m *Manager) Invalidate(ctx context.Context, paths []string) (*Batch, error) {
	if len(paths) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "no invalidation paths given").
			WithComponent("invalidation").
			WithOperation("invalidate")
	}

	seen := make(map[string]struct{}, len(paths))
	deduped := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		deduped = append(deduped, p)
	}

	batch := &Batch{
		ID:        xid.New().String(),
		Paths:     deduped,
		Status:    StatusInProgress,
		CreatedAt: time.Now().UTC(),
	}
	for _, chunk := range split(deduped, m.cfg.PathsPerBatch) {
		batch.SubBatches = append(batch.SubBatches, SubBatch{
			CallerReference: newCallerReference(),
			Paths:           chunk,
			Status:          StatusPending,
		})
	}

	m.mu.Lock()
	m.history = append(m.history, batch)
	m.mu.Unlock()

	m.logger.Info("invalidation started",
		"batch", batch.ID,
		"paths", len(deduped),
		"sub_batches", len(batch.SubBatches))

	var firstErr error
	for i := range batch.SubBatches {
		if i > 0 {
			if err := m.sleep(ctx, m.cfg.BatchDelay); err != nil {
				firstErr = errors.New(errors.ErrCodeOperationTimeout, "invalidation interrupted").
					WithCause(err).
					WithComponent("invalidation")
				m.setSubStatus(batch, i, StatusFailed)
				break
			}
		}
		if err := m.submitSubBatch(ctx, batch, i); err != nil {
			firstErr = err
			break
		}
	}

	m.mu.Lock()
	batch.FinishedAt = time.Now().UTC()
	if firstErr != nil {
		batch.Status = StatusFailed
		batch.Error = firstErr.Error()
	} else {
		batch.Status = StatusCompleted
	}
	snap := snapshotBatch(batch)
	m.mu.Unlock()

	if firstErr != nil {
		m.logger.Error("invalidation failed", "batch", batch.ID, "error", firstErr)
		return snap, firstErr
	}
	m.logger.Info("invalidation completed", "batch", batch.ID)
	return snap, nil
}

// InvalidateKeys maps object keys to paths and submits them.
func (m *Manager) InvalidateKeys(ctx context.Context, keys []string) (*Batch, error) {
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			return nil, errors.New(errors.ErrCodeInvalidArgument, "object key cannot be empty").
				WithComponent("invalidation")
		}
		paths = append(paths, PathForKey(k))
	}
	return m.Invalidate(ctx, paths)
}

// submitSubBatch submits one CreateInvalidation call, retrying throttles at
// a flat pace. The caller reference is minted once per sub-batch so a retry
// after an ambiguous failure is idempotent on the provider side.
func (m *Manager) submitSubBatch(ctx context.Context, batch *Batch, idx int) error {
	sub := &batch.SubBatches[idx]
	m.setSubStatus(batch, idx, StatusInProgress)

	attempts := 0
	err := retry.Fixed(ctx, m.cfg.ThrottleRetries+1, m.cfg.ThrottleDelay, func(ctx context.Context) error {
		attempts++
		callCtx := ctx
		if m.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
			defer cancel()
		}
		start := time.Now()
		out, callErr := m.api.CreateInvalidation(callCtx, &cloudfront.CreateInvalidationInput{
			DistributionId: aws.String(m.distributionID),
			InvalidationBatch: &cftypes.InvalidationBatch{
				CallerReference: aws.String(sub.CallerReference),
				Paths: &cftypes.Paths{
					Quantity: aws.Int32(int32(len(sub.Paths))),
					Items:    sub.Paths,
				},
			},
		})
		if m.recorder != nil {
			m.recorder.RecordOperation("cdn", time.Since(start), callErr == nil)
		}
		if callErr != nil {
			return storage.ClassifyProviderError(callErr, "create_invalidation", m.distributionID)
		}
		m.mu.Lock()
		if out.Invalidation != nil && out.Invalidation.Id != nil {
			sub.InvalidationID = *out.Invalidation.Id
		}
		sub.SubmittedAt = time.Now().UTC()
		m.mu.Unlock()
		return nil
	})

	m.mu.Lock()
	sub.Attempts = attempts
	m.mu.Unlock()

	if err != nil {
		m.setSubStatus(batch, idx, StatusFailed)
		if e, ok := err.(*errors.Error); ok {
			return e.WithContext("batch", batch.ID).
				WithContext("caller_reference", sub.CallerReference)
		}
		return err
	}
	m.setSubStatus(batch, idx, StatusCompleted)
	return nil
}

func (m *Manager) setSubStatus(batch *Batch, idx int, s BatchStatus) {
	m.mu.Lock()
	batch.SubBatches[idx].Status = s
	m.mu.Unlock()
}

// snapshotBatch deep-copies a batch record. The manager keeps mutating its
// live records while sub-batches are in flight; callers only ever see
// copies. Callers must hold m.mu.
func snapshotBatch(b *Batch) *Batch {
	out := *b
	out.Paths = append([]string(nil), b.Paths...)
	out.SubBatches = make([]SubBatch, len(b.SubBatches))
	for i, sub := range b.SubBatches {
		sub.Paths = append([]string(nil), sub.Paths...)
		out.SubBatches[i] = sub
	}
	return &out
}

// History returns copies of submitted batches, most recent first.
func (m *Manager) History(limit int) []*Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Batch, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, snapshotBatch(m.history[i]))
	}
	return out
}

// HealthCheck verifies the distribution exists and is reachable with
// current credentials.
func (m *Manager) HealthCheck(ctx context.Context) error {
	timeout := m.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := m.api.GetDistribution(callCtx, &cloudfront.GetDistributionInput{
		Id: aws.String(m.distributionID),
	})
	if err != nil {
		return storage.ClassifyProviderError(err, "HealthCheck", m.distributionID).
			WithContext("distribution", m.distributionID)
	}
	return nil
}
