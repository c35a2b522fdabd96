package gmail

import (
	"context"
	"fmt"
	"sort"
	"time"

	accountdomain "mailsched-backend/internal/account/domain"
	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/mailpool"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	user               = "me"
	maxResultsPerPage  = 500 // Gmail API maximum
	maxConcurrentFetch = 10
)

// TokenUpdateFunc is called when the OAuth token of an account was refreshed
type TokenUpdateFunc func(token *oauth2.Token) error

type Service struct {
	clientID     string
	clientSecret string
	endpoint     string
	pool         *mailpool.Pool[*gmail.Service]
	log          zerolog.Logger
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
	log      zerolog.Logger
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			s.log.Error().Err(err).Msg("failed to persist refreshed token")
		}
	}
	return t, nil
}

// Option configures the Service
type Option func(*Service)

// WithEndpoint points the API client at another base URL
func WithEndpoint(url string) Option {
	return func(s *Service) { s.endpoint = url }
}

// WithPool shares a client pool
func WithPool(pool *mailpool.Pool[*gmail.Service]) Option {
	return func(s *Service) { s.pool = pool }
}

func NewService(clientID, clientSecret string, opts ...Option) *Service {
	s := &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		log:          logger.Component("gmail"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = mailpool.New[*gmail.Service](mailpool.Config{MaxIdle: 1}, nil)
	}
	return s
}

// GetGmailService creates a Gmail client with the account's tokens
func (s *Service) GetGmailService(ctx context.Context, account *accountdomain.MailAccount, onTokenRefresh TokenUpdateFunc) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
	}
	if account.TokenExpiry != nil {
		token.Expiry = *account.TokenExpiry
	} else if account.RefreshToken != "" {
		// Unknown expiry, force a refresh
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: onTokenRefresh,
		log:      s.log.With().Str("account_id", account.ID).Logger(),
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, wrappedSource))}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// FetchEmailsInRange returns up to maxCount emails received within
// [since, before), oldest first.
func (s *Service) FetchEmailsInRange(ctx context.Context, account *accountdomain.MailAccount, since, before time.Time, maxCount int, onTokenRefresh TokenUpdateFunc) ([]*emaildomain.Email, error) {
	lease, err := s.pool.Get(ctx, account.ID, func(ctx context.Context) (*gmail.Service, error) {
		// The pooled client outlives this call
		return s.GetGmailService(context.WithoutCancel(ctx), account, onTokenRefresh)
	})
	if err != nil {
		return nil, err
	}

	emails, err := s.fetchRange(ctx, lease.Value, since, before, maxCount)
	lease.Release(err)
	return emails, err
}

func (s *Service) fetchRange(ctx context.Context, srv *gmail.Service, since, before time.Time, maxCount int) ([]*emaildomain.Email, error) {
	if maxCount <= 0 {
		maxCount = maxResultsPerPage
	}
	q := RangeQuery(since, before)

	var ids []string
	pageToken := ""
	for len(ids) < maxCount {
		toFetch := maxCount - len(ids)
		if toFetch > maxResultsPerPage {
			toFetch = maxResultsPerPage
		}
		listQuery := srv.Users.Messages.List(user).Q(q).MaxResults(int64(toFetch)).Context(ctx)
		if pageToken != "" {
			listQuery = listQuery.PageToken(pageToken)
		}
		resp, err := listQuery.Do()
		if err != nil {
			return nil, fmt.Errorf("unable to list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" || len(resp.Messages) == 0 {
			break
		}
	}
	if len(ids) > maxCount {
		ids = ids[:maxCount]
	}

	fetched := make([]*emaildomain.Email, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetch)
	for i, id := range ids {
		g.Go(func() error {
			fullMsg, err := srv.Users.Messages.Get(user, id).Format("full").Context(gctx).Do()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Skip messages deleted between list and get
				s.log.Warn().Err(err).Str("message_id", id).Msg("failed to fetch message")
				return nil
			}
			fetched[i] = convertGmailMessageToEmail(fullMsg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	emails := make([]*emaildomain.Email, 0, len(fetched))
	for _, e := range fetched {
		if e == nil || e.ReceivedAt.Before(since) || !e.ReceivedAt.Before(before) {
			continue
		}
		emails = append(emails, e)
	}
	sort.Slice(emails, func(i, j int) bool {
		return emails[i].ReceivedAt.Before(emails[j].ReceivedAt)
	})
	return emails, nil
}

// RangeQuery builds a search query covering [since, before]. Gmail only has
// second precision so callers filter the results by internal date.
func RangeQuery(since, before time.Time) string {
	return fmt.Sprintf("after:%d before:%d", since.Unix()-1, before.Unix()+1)
}

// Forget drops pooled clients of an account, e.g. after it was disconnected
func (s *Service) Forget(accountID string) {
	s.pool.Invalidate(accountID)
}

// Close releases pooled clients
func (s *Service) Close() error {
	return s.pool.Close()
}
