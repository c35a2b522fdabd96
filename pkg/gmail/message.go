package gmail

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	emaildomain "mailsched-backend/internal/email/domain"

	"google.golang.org/api/gmail/v1"
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

func convertGmailMessageToEmail(msg *gmail.Message) *emaildomain.Email {
	var headers []*gmail.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	from := getHeader(headers, "From")
	fromName := from
	fromAddress := from
	// Extract name from "Name <email@example.com>" format
	if idx := strings.Index(from, "<"); idx > 0 {
		fromName = strings.Trim(strings.TrimSpace(from[:idx]), `"`)
		fromAddress = strings.TrimSuffix(from[idx+1:], ">")
	}

	toArray := []string{}
	if toHeader := getHeader(headers, "To"); toHeader != "" {
		for _, to := range strings.Split(toHeader, ",") {
			if to = strings.TrimSpace(to); to != "" {
				toArray = append(toArray, to)
			}
		}
	}

	body, isHTML := getEmailBody(msg.Payload)

	return &emaildomain.Email{
		ID:         msg.Id,
		Subject:    getHeader(headers, "Subject"),
		From:       strings.ToLower(strings.TrimSpace(fromAddress)),
		FromName:   fromName,
		To:         toArray,
		Preview:    preview(body, isHTML),
		Body:       body,
		IsHTML:     isHTML,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		IsRead:     !hasLabel(msg.LabelIds, "UNREAD"),
		IsStarred:  hasLabel(msg.LabelIds, "STARRED"),
		MailboxID:  getMailboxID(msg.LabelIds),
	}
}

func preview(body string, isHTML bool) string {
	text := body
	if isHTML {
		text = htmlTag.ReplaceAllString(text, " ")
		text = strings.ReplaceAll(text, "&nbsp;", " ")
		text = strings.ReplaceAll(text, "&lt;", "<")
		text = strings.ReplaceAll(text, "&gt;", ">")
		text = strings.ReplaceAll(text, "&amp;", "&")
		text = strings.ReplaceAll(text, "&quot;", "\"")
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func decodeBody(data string) (string, bool) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail sometimes omits padding
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", false
		}
	}
	return string(decoded), true
}

func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	if payload == nil {
		return "", false
	}
	// If the payload itself is the body
	if payload.Body != nil && payload.Body.Data != "" {
		if data, ok := decodeBody(payload.Body.Data); ok {
			return data, payload.MimeType == "text/html"
		}
	}

	var htmlBody string
	var plainBody string

	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				switch part.MimeType {
				case "text/html":
					if data, ok := decodeBody(part.Body.Data); ok {
						htmlBody = data
					}
				case "text/plain":
					if data, ok := decodeBody(part.Body.Data); ok {
						plainBody = data
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)

	if htmlBody != "" {
		return htmlBody, true
	}
	return plainBody, false
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}

func getMailboxID(labels []string) string {
	// Priority order for mailbox labels
	priority := []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}

	for _, p := range priority {
		if hasLabel(labels, p) {
			return p
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return "INBOX"
}
