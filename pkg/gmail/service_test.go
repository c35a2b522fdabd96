package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	accountdomain "mailsched-backend/internal/account/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
)

func message(id string, received time.Time, labels ...string) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		InternalDate: received.UnixMilli(),
		LabelIds:     labels,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Invoice " + id},
				{Name: "From", Value: `"Billing Team" <Billing@Example.com>`},
				{Name: "To", Value: "me@example.com, other@example.com"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("plain body"))}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("<p>Pay &amp; relax</p>"))}},
			},
		},
	}
}

func TestConvertGmailMessageToEmail(t *testing.T) {
	received := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	email := convertGmailMessageToEmail(message("m1", received, "INBOX", "UNREAD", "STARRED"))

	assert.Equal(t, "m1", email.ID)
	assert.Equal(t, "Invoice m1", email.Subject)
	assert.Equal(t, "billing@example.com", email.From)
	assert.Equal(t, "Billing Team", email.FromName)
	assert.Equal(t, []string{"me@example.com", "other@example.com"}, email.To)
	assert.True(t, email.IsHTML)
	assert.Equal(t, "Pay & relax", email.Preview)
	assert.Equal(t, received, email.ReceivedAt)
	assert.False(t, email.IsRead)
	assert.True(t, email.IsStarred)
	assert.Equal(t, "INBOX", email.MailboxID)
}

func TestRangeQuery(t *testing.T) {
	since := time.Unix(1000, 0)
	before := time.Unix(2000, 0)
	assert.Equal(t, "after:999 before:2001", RangeQuery(since, before))
}

func TestFetchEmailsInRange(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	before := since.Add(24 * time.Hour)
	messages := map[string]*gmail.Message{
		"late":  message("late", since.Add(20*time.Hour), "INBOX"),
		"early": message("early", since.Add(time.Hour), "INBOX"),
		"edge":  message("edge", before, "INBOX"),
	}

	var lists atomic.Int32
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			lists.Add(1)
			query.Store(r.URL.Query().Get("q"))
			_ = json.NewEncoder(w).Encode(gmail.ListMessagesResponse{Messages: []*gmail.Message{
				{Id: "late"}, {Id: "early"}, {Id: "edge"}, {Id: "gone"},
			}})
		case strings.Contains(r.URL.Path, "/users/me/messages/"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			msg, ok := messages[id]
			if !ok {
				http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(msg)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := NewService("client", "secret", WithEndpoint(srv.URL+"/"))
	defer svc.Close()
	account := &accountdomain.MailAccount{ID: "acc-1", AccessToken: "token", Provider: accountdomain.ProviderGmail}

	emails, err := svc.FetchEmailsInRange(context.Background(), account, since, before, 10, nil)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "early", emails[0].ID)
	assert.Equal(t, "late", emails[1].ID)
	assert.Equal(t, RangeQuery(since, before), query.Load())

	_, err = svc.FetchEmailsInRange(context.Background(), account, since, before, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lists.Load())
	assert.Equal(t, 1, svc.pool.Idle("acc-1"))
}
