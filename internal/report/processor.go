// Package report runs structured extraction on uploaded medical documents
// and keeps the latest result on the user row.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/db"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"go.uber.org/zap"
)

var ErrNoDocument = errors.New("no uploaded report")

type Extractor interface {
	Extract(ctx context.Context, req inference.ExtractRequest) (json.RawMessage, error)
}

type FileChecker interface {
	Stat(path string) error
}

type ResultStore interface {
	SetProcessingResult(ctx context.Context, userID uint64, result json.RawMessage) error
}

type IngestNotifier interface {
	Notify(ctx context.Context, userID uint64, result json.RawMessage)
}

type Processor struct {
	files    FileChecker
	client   Extractor
	results  ResultStore
	notifier IngestNotifier
	caps     db.Capabilities
	log      *zap.Logger
}

func NewProcessor(files FileChecker, client Extractor, results ResultStore, notifier IngestNotifier, caps db.Capabilities, log *zap.Logger) *Processor {
	return &Processor{
		files:    files,
		client:   client,
		results:  results,
		notifier: notifier,
		caps:     caps,
		log:      log.Named("report"),
	}
}

// Extract sends the stored document at filePath for extraction and returns
// the remote payload unchanged. userID is nil for anonymous uploads, in which
// case nothing is persisted. Remote failures come back as
// *inference.UnreachableError or *inference.RemoteError.
func (p *Processor) Extract(ctx context.Context, userID *uint64, filePath, originalName string) (json.RawMessage, error) {
	if filePath == "" {
		return nil, ErrNoDocument
	}
	if err := p.files.Stat(filePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDocument, err)
	}

	log := p.log.With(zap.String("file", originalName))
	if userID != nil {
		log = log.With(zap.Uint64("user_id", *userID))
	}

	start := time.Now()
	raw, err := p.client.Extract(ctx, inference.ExtractRequest{
		UserID:       userID,
		FilePath:     filePath,
		OriginalName: originalName,
	})
	if err != nil {
		log.Warn("extraction failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		return nil, err
	}
	log.Info("extraction succeeded", zap.Duration("cost", time.Since(start)), zap.Int("bytes", len(raw)))

	if userID != nil && p.persist(ctx, log, *userID, raw) && p.notifier != nil {
		p.notifier.Notify(ctx, *userID, raw)
	}
	return raw, nil
}

// persist stores raw as the user's processing_result. Failures are logged and
// counted, never returned.
func (p *Processor) persist(ctx context.Context, log *zap.Logger, userID uint64, raw json.RawMessage) bool {
	if !p.caps.ProcessingResult {
		metrics.RecordPersistenceDegraded("processing_result")
		log.Warn("processing_result column unavailable; result not persisted")
		return false
	}
	if err := p.results.SetProcessingResult(ctx, userID, raw); err != nil {
		metrics.RecordPersistenceDegraded("processing_result")
		log.Warn("persist processing_result failed", zap.Error(err))
		return false
	}
	return true
}
