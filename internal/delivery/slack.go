package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ignite/experiment-callouts/internal/pkg/httpretry"
)

// slackTextLimit keeps each webhook message under Slack's block text limit.
const slackTextLimit = 3900

// SlackNotifier posts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     httpretry.HTTPDoer
}

// NewSlackNotifier retries transient webhook failures maxRetries times.
func NewSlackNotifier(webhookURL string, client httpretry.HTTPDoer, maxRetries int) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, client: httpretry.NewRetryClient(client, maxRetries)}
}

// Name implements Notifier.
func (s *SlackNotifier) Name() string { return "slack" }

// Notify posts the Slack-formatted callout, split into chunks when long.
func (s *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	text := msg.Slack
	if text == "" {
		text = msg.Markdown
	}
	for i, chunk := range splitText(text, slackTextLimit) {
		if err := s.post(ctx, chunk); err != nil {
			return fmt.Errorf("posting part %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SlackNotifier) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]interface{}{"text": text, "mrkdwn": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return nil
}

// splitText breaks text into chunks of at most limit bytes, preferring
// paragraph then line boundaries.
func splitText(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := lastIndexBefore(text, "\n\n", limit)
		if cut <= 0 {
			cut = lastIndexBefore(text, "\n", limit)
		}
		if cut <= 0 {
			cut = runeBoundary(text, limit)
		}
		out = append(out, text[:cut])
		text = trimLeadingNewlines(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func lastIndexBefore(s, sep string, limit int) int {
	return strings.LastIndex(s[:limit], sep)
}

func runeBoundary(s string, limit int) int {
	for limit > 0 && (s[limit]&0xC0) == 0x80 {
		limit--
	}
	return limit
}

func trimLeadingNewlines(s string) string {
	return strings.TrimLeft(s, "\n")
}
