package chroma

import (
	"context"
	"fmt"
	"os"

	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/pkg/config"
	"mailsched-backend/pkg/logger"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
)

const (
	collectionName = "email"
	maxTextLength  = 10000
)

type ChromaClient struct {
	client     chroma.Client
	collection chroma.Collection // Pre-created collection
}

func NewChromaClient(ctx context.Context, cfg *config.Config) (*ChromaClient, error) {
	if cfg.ChromaAPIKey == "" {
		return nil, fmt.Errorf("CHROMA_API_KEY is required")
	}

	// The embedding function reads the key from the environment
	if cfg.GeminiAPIKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	}

	embedFunc, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithEnvAPIKey(),
		gemini.WithDefaultModel("text-embedding-004"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
	}

	var client chroma.Client
	switch {
	case cfg.ChromaDatabase != "" && cfg.ChromaTenant != "":
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithDatabaseAndTenant(cfg.ChromaDatabase, cfg.ChromaTenant),
		)
	case cfg.ChromaTenant != "":
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithTenant(cfg.ChromaTenant),
		)
	default:
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Chroma client: %w", err)
	}

	collection, err := client.GetOrCreateCollection(ctx, collectionName, chroma.WithEmbeddingFunctionCreate(embedFunc))
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	logger.Component("chroma").Info().Str("collection", collectionName).Msg("chroma client initialized")

	return &ChromaClient{client: client, collection: collection}, nil
}

// DocumentID identifies an email across accounts
func DocumentID(accountID, emailID string) string {
	return accountID + ":" + emailID
}

// IndexClassifiedEmail upserts the email's embedding with its classification
// as metadata. Re-running a window updates documents in place.
func (c *ChromaClient) IndexClassifiedEmail(ctx context.Context, req emaildomain.ProcessRequest, email *emaildomain.Email, result emaildomain.EmailResult) error {
	text := fmt.Sprintf("Subject: %s\n\nFrom: %s\n\nBody: %s", email.Subject, email.From, email.Preview)
	if !email.IsHTML && email.Body != "" {
		text = fmt.Sprintf("Subject: %s\n\nFrom: %s\n\nBody: %s", email.Subject, email.From, email.Body)
	}
	if len(text) > maxTextLength {
		// Embedding models have token limits
		text = text[:maxTextLength]
	}

	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"user_id":     req.OwnerID,
		"account_id":  req.AccountID,
		"schedule_id": req.ScheduleID,
		"email_id":    email.ID,
		"subject":     email.Subject,
		"category":    result.Category,
		"priority":    string(result.Priority),
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}

	err = c.collection.Upsert(
		ctx,
		chroma.WithIDs(chroma.DocumentID(DocumentID(req.AccountID, email.ID))),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(text),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert email embedding: %w", err)
	}
	return nil
}
