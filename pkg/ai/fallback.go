package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"mailsched-backend/pkg/logger"

	"github.com/rs/zerolog"
)

// FallbackClassifier implements smart AI provider routing with fallback:
// the local model first (free), the hosted one when it fails.
type FallbackClassifier struct {
	primary   Classifier
	secondary Classifier
	log       zerolog.Logger
}

// NewFallbackClassifier creates a classifier trying primary then secondary
func NewFallbackClassifier(primary, secondary Classifier) *FallbackClassifier {
	return &FallbackClassifier{
		primary:   primary,
		secondary: secondary,
		log:       logger.Component("ai"),
	}
}

// isConnectionError checks if the error is a network/connection error
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return containsAny(err.Error(),
		"connection refused",
		"no such host",
		"network is unreachable",
		"connection reset",
		"timeout",
		"dial tcp",
		"EOF",
	)
}

// isQuotaError checks if the error indicates API quota exhaustion (429)
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"429",
		"quota",
		"rate limit",
		"too many requests",
		"resource exhausted",
		"RESOURCE_EXHAUSTED",
	)
}

func containsAny(s string, indicators ...string) bool {
	s = strings.ToLower(s)
	for _, indicator := range indicators {
		if strings.Contains(s, strings.ToLower(indicator)) {
			return true
		}
	}
	return false
}

// ClassifyEmail implements Classifier
func (f *FallbackClassifier) ClassifyEmail(ctx context.Context, emailText string, categories []string) (*Classification, error) {
	if f.primary != nil {
		result, err := f.primary.ClassifyEmail(ctx, emailText, categories)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isConnectionError(err) {
			f.log.Warn().Err(err).Msg("primary classifier unreachable, falling back")
		} else {
			f.log.Warn().Err(err).Msg("primary classifier failed, falling back")
		}
	}

	if f.secondary != nil {
		result, err := f.secondary.ClassifyEmail(ctx, emailText, categories)
		if err == nil {
			return result, nil
		}

		// If the fallback is out of quota, give the primary one more try
		if isQuotaError(err) && f.primary != nil {
			f.log.Warn().Err(err).Msg("fallback classifier quota exhausted, retrying primary")
			return f.primary.ClassifyEmail(ctx, emailText, categories)
		}
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	return nil, fmt.Errorf("no AI provider available for classification")
}
