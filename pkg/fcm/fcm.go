// Package fcm sends push notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"

	"mailsched-backend/pkg/logger"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const webIcon = "/icon-192.svg"

// Client wraps the Firebase messaging client
type Client struct {
	messaging *messaging.Client
	log       zerolog.Logger
}

// NewClient creates an FCM client. An empty credentialsFile uses the
// application default credentials.
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	log := logger.Component("fcm")
	log.Info().Msg("FCM client initialized")
	return &Client{messaging: mc, log: log}, nil
}

// NotificationData is the content of one push notification
type NotificationData struct {
	Title string
	Body  string
	Data  map[string]string
	// ClickAction is the URL opened when a web notification is clicked
	ClickAction string
}

// SendToDevices sends n to every token and returns the tokens that were rejected
func (c *Client) SendToDevices(ctx context.Context, tokens []string, n NotificationData) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	resp, err := c.messaging.SendEachForMulticast(ctx, multicastMessage(tokens, n))
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM multicast message: %w", err)
	}

	failed := failedTokens(tokens, resp.Responses)
	for i, r := range resp.Responses {
		if !r.Success {
			c.log.Warn().Err(r.Error).Int("index", i).Msg("device rejected notification")
		}
	}
	c.log.Debug().Int("success", resp.SuccessCount).Int("failure", resp.FailureCount).Msg("multicast sent")
	return failed, nil
}

func multicastMessage(tokens []string, n NotificationData) *messaging.MulticastMessage {
	web := &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: n.Title,
			Body:  n.Body,
			Icon:  webIcon,
		},
	}
	if n.ClickAction != "" {
		web.FCMOptions = &messaging.WebpushFCMOptions{Link: n.ClickAction}
	}
	return &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
		Webpush:      web,
	}
}

// failedTokens pairs responses with the tokens they were sent to
func failedTokens(tokens []string, responses []*messaging.SendResponse) []string {
	var failed []string
	for i, r := range responses {
		if i < len(tokens) && !r.Success {
			failed = append(failed, tokens[i])
		}
	}
	return failed
}
