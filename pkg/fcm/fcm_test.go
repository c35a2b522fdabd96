package fcm

import (
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulticastMessage(t *testing.T) {
	msg := multicastMessage([]string{"a", "b"}, NotificationData{
		Title:       "Email schedule failed",
		Body:        "imap: login failed",
		Data:        map[string]string{"schedule_id": "s1"},
		ClickAction: "https://app.example.com/schedules/s1",
	})

	assert.Equal(t, []string{"a", "b"}, msg.Tokens)
	assert.Equal(t, "Email schedule failed", msg.Notification.Title)
	assert.Equal(t, "s1", msg.Data["schedule_id"])
	require.NotNil(t, msg.Webpush.FCMOptions)
	assert.Equal(t, "https://app.example.com/schedules/s1", msg.Webpush.FCMOptions.Link)

	msg = multicastMessage([]string{"a"}, NotificationData{Title: "t"})
	assert.Nil(t, msg.Webpush.FCMOptions)
}

func TestFailedTokens(t *testing.T) {
	responses := []*messaging.SendResponse{
		{Success: true, MessageID: "m1"},
		{Success: false, Error: errors.New("registration-token-not-registered")},
		{Success: false, Error: errors.New("invalid-argument")},
	}
	assert.Equal(t, []string{"b", "c"}, failedTokens([]string{"a", "b", "c"}, responses))
	assert.Nil(t, failedTokens([]string{"a"}, responses[:1]))
}
