// Package pipeline classifies fetched emails in batches and assigns each a
// priority, reporting progress on the execution as batches complete.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	emaildomain "mailsched-backend/internal/email/domain"
	scheduledomain "mailsched-backend/internal/schedule/domain"
	"mailsched-backend/pkg/ai"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Priority sources, from strongest to weakest
const (
	SourceSender     = "sender"
	SourceCategory   = "category"
	SourceClassifier = "classifier"
)

const (
	defaultBatchSize   = 10
	defaultConcurrency = 4
	uncategorized      = "uncategorized"
)

// ProgressReporter records execution progress
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, executionID string, progress scheduledomain.Progress) error
}

// Indexer stores classified emails for later search
type Indexer interface {
	IndexClassifiedEmail(ctx context.Context, req emaildomain.ProcessRequest, email *emaildomain.Email, result emaildomain.EmailResult) error
}

// Config holds the pipeline limits
type Config struct {
	Categories []string
	// RatePerSec bounds classifier calls across all runs; zero disables it
	RatePerSec  float64
	Concurrency int
}

// Pipeline implements the runner's Processor
type Pipeline struct {
	classifier ai.Classifier
	progress   ProgressReporter
	indexer    Indexer
	limiter    *rate.Limiter
	cfg        Config
	log        zerolog.Logger
}

// Option configures the Pipeline
type Option func(*Pipeline)

// WithIndexer indexes every classified email
func WithIndexer(indexer Indexer) Option {
	return func(p *Pipeline) { p.indexer = indexer }
}

// WithLogger overrides the logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline creates a Pipeline
func NewPipeline(classifier ai.Classifier, progress ProgressReporter, cfg Config, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Concurrency)
	}
	p := &Pipeline{
		classifier: classifier,
		progress:   progress,
		limiter:    limiter,
		cfg:        cfg,
		log:        logger.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEmails classifies emails in batches of req.BatchSize. A failure on
// one email is counted, not returned; only a cancelled context aborts the run.
func (p *Pipeline) ProcessEmails(ctx context.Context, req emaildomain.ProcessRequest, emails []*emaildomain.Email) (*emaildomain.ProcessResult, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	log := p.log.With().Str("schedule_id", req.ScheduleID).Str("execution_id", req.ExecutionID).Logger()

	totalBatches := (len(emails) + batchSize - 1) / batchSize
	result := &emaildomain.ProcessResult{Results: make([]emaildomain.EmailResult, 0, len(emails))}
	progress := scheduledomain.Progress{TotalBatches: totalBatches, TotalEmails: len(emails)}
	p.report(ctx, log, req.ExecutionID, progress)

	for start := 0; start < len(emails); start += batchSize {
		end := start + batchSize
		if end > len(emails) {
			end = len(emails)
		}

		batch, err := p.processBatch(ctx, req, emails[start:end])
		if err != nil {
			return result, err
		}
		for _, r := range batch {
			if r.Error != "" {
				result.Failed++
			} else {
				result.Processed++
			}
		}
		result.Results = append(result.Results, batch...)
		result.Batches++

		progress.CompletedBatches = result.Batches
		progress.ProcessedEmails = result.Processed
		progress.FailedEmails = result.Failed
		p.report(ctx, log, req.ExecutionID, progress)
	}

	log.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("batches", result.Batches).
		Msg("emails processed")
	return result, nil
}

func (p *Pipeline) processBatch(ctx context.Context, req emaildomain.ProcessRequest, emails []*emaildomain.Email) ([]emaildomain.EmailResult, error) {
	results := make([]emaildomain.EmailResult, len(emails))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, email := range emails {
		g.Go(func() error {
			r, err := p.processOne(gctx, req, email)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// processOne returns an error only when ctx is done
func (p *Pipeline) processOne(ctx context.Context, req emaildomain.ProcessRequest, email *emaildomain.Email) (emaildomain.EmailResult, error) {
	result := emaildomain.EmailResult{EmailID: email.ID}

	if err := p.limiter.Wait(ctx); err != nil {
		return result, fmt.Errorf("classifier throttle: %w", err)
	}
	classification, err := p.classifier.ClassifyEmail(ctx, emailText(email), p.cfg.Categories)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	_, hasSender := SenderPriority(req.SenderPriorities, email.From)
	switch {
	case err != nil && hasSender:
		// The sender rule alone decides the priority
		p.log.Debug().Err(err).Str("email_id", email.ID).Msg("classification failed, using sender priority")
		result.Category = uncategorized
	case err != nil:
		result.Error = err.Error()
		metrics.EmailsProcessed.WithLabelValues("failed").Inc()
		return result, nil
	default:
		result.Category = classification.Category
	}

	result.Priority, result.Source = ResolvePriority(req, email, classification)

	if p.indexer != nil {
		if err := p.indexer.IndexClassifiedEmail(ctx, req, email, result); err != nil {
			// Indexing is best effort
			p.log.Warn().Err(err).Str("email_id", email.ID).Msg("failed to index email")
		}
	}
	metrics.EmailsProcessed.WithLabelValues("processed").Inc()
	return result, nil
}

func (p *Pipeline) report(ctx context.Context, log zerolog.Logger, executionID string, progress scheduledomain.Progress) {
	if p.progress == nil || executionID == "" {
		return
	}
	if err := p.progress.UpdateProgress(ctx, executionID, progress); err != nil {
		log.Warn().Err(err).Msg("failed to report progress")
	}
}

// ResolvePriority applies the overrides: sender first, then category,
// then the classifier's own priority.
func ResolvePriority(req emaildomain.ProcessRequest, email *emaildomain.Email, c *ai.Classification) (scheduledomain.Priority, string) {
	if p, ok := SenderPriority(req.SenderPriorities, email.From); ok {
		return p, SourceSender
	}
	if c == nil {
		return scheduledomain.PriorityMedium, SourceClassifier
	}
	for category, p := range req.CategoryPriorities {
		if strings.EqualFold(category, c.Category) {
			return p, SourceCategory
		}
	}
	p := scheduledomain.Priority(c.Priority)
	if !p.Valid() {
		p = scheduledomain.PriorityMedium
	}
	return p, SourceClassifier
}

// SenderPriority looks a sender up by full address, then by domain
// ("@example.com" or "example.com").
func SenderPriority(overrides scheduledomain.PriorityMap, from string) (scheduledomain.Priority, bool) {
	if len(overrides) == 0 || from == "" {
		return "", false
	}
	from = strings.ToLower(strings.TrimSpace(from))
	domain := ""
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}

	var byDomain scheduledomain.Priority
	found := false
	for key, p := range overrides {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == from {
			return p, true
		}
		if domain != "" && strings.TrimPrefix(key, "@") == domain {
			byDomain, found = p, true
		}
	}
	return byDomain, found
}

func emailText(email *emaildomain.Email) string {
	body := email.Body
	if email.IsHTML || body == "" {
		body = email.Preview
	}
	return fmt.Sprintf("From: %s <%s>\nSubject: %s\n\n%s", email.FromName, email.From, email.Subject, body)
}
