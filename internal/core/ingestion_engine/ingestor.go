package ingestion_engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

// jobTimeout bounds the processing of a single queued upload.
const jobTimeout = 10 * time.Minute

// Job states reported by JobState.
const (
	JobQueued     = "queued"
	JobProcessing = models.StatusProcessing
	JobFailed     = models.StatusFailed
)

// Ingestor processes uploaded files in the background.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, job Job) (string, error)
	JobState(documentID string) (JobState, bool)
}

var _ Ingestor = (*Processor)(nil)

// Job is one uploaded file waiting to be processed. DocumentID is assigned by
// Enqueue when empty and becomes the id of the resulting document.
type Job struct {
	DocumentID string
	File       models.FileRef
	Metadata   map[string]any
	Scope      models.ScopeOptions
}

// JobState is the progress of a queued upload. It is kept until the document
// exists, or for good when processing failed.
type JobState struct {
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"-"`
	FileName   string    `json:"file_name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Start runs numWorkers goroutines reading from the job queue until ctx is done.
func (p *Processor) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			log := p.logger.With(zap.Int("worker", w))
			for {
				select {
				case <-ctx.Done():
					log.Debug("worker shutting down")
					return
				case job := <-p.jobs:
					p.runJob(ctx, log, job)
				}
			}
		}(w)
	}
	p.logger.Info("ingestion workers started", zap.Int("workers", numWorkers))
}

// Enqueue schedules job and returns its document id. It blocks while the queue
// is full, until ctx is done.
func (p *Processor) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.DocumentID == "" {
		job.DocumentID = uuid.NewString()
	}
	p.setState(job, JobQueued, nil)

	select {
	case p.jobs <- job:
		return job.DocumentID, nil
	case <-ctx.Done():
		p.forget(job.DocumentID)
		return "", aborted(ctx.Err())
	}
}

// JobState reports the progress of a queued upload.
func (p *Processor) JobState(documentID string) (JobState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[documentID]
	return st, ok
}

func (p *Processor) runJob(ctx context.Context, log *zap.Logger, job Job) {
	log = log.With(zap.String("document_id", job.DocumentID), zap.String("file", job.File.FileName))
	log.Info("processing upload")
	p.setState(job, JobProcessing, nil)

	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	_, err := p.processFile(jctx, job.DocumentID, job.File, job.Metadata, job.Scope)
	if err == nil {
		p.forget(job.DocumentID)
		return
	}

	p.setState(job, JobFailed, err)
	if errors.Is(err, core.ErrAborted) {
		log.Warn("upload processing aborted", zap.Error(err))
		return
	}
	log.Error("upload processing failed", zap.Error(err))

	if rerr := p.obj.Remove(context.WithoutCancel(ctx), job.File.Path); rerr != nil {
		log.Warn("removing rejected upload", zap.Error(rerr))
	}
}

func (p *Processor) setState(job Job, status string, err error) {
	st := JobState{
		DocumentID: job.DocumentID,
		OwnerID:    job.Scope.OwnerID,
		FileName:   job.File.FileName,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	p.mu.Lock()
	p.states[job.DocumentID] = st
	p.mu.Unlock()
}

func (p *Processor) forget(documentID string) {
	p.mu.Lock()
	delete(p.states, documentID)
	p.mu.Unlock()
}
