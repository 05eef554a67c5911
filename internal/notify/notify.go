// Package notify is the outbound notification collaborator. It is invoked
// synchronously inside offer, after the transition has committed; failures
// are logged by the caller and never roll anything back.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/owldock/casework-backend/pkg/models"
)

// Notifier delivers offer notifications to a provider contact.
type Notifier interface {
	StepsOffered(ctx context.Context, contact models.ProviderContact, stepList []models.CaseStep) error
}

// Nop discards notifications. Used in tests and when no webhook is set.
type Nop struct{}

func (Nop) StepsOffered(context.Context, models.ProviderContact, []models.CaseStep) error {
	return nil
}

// Webhook POSTs offer notifications as JSON to a configured endpoint with a
// shared-secret header.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook() *Webhook {
	return &Webhook{
		url:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		secret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type offeredPayload struct {
	Event             string   `json:"event"`
	ProviderContactID string   `json:"provider_contact_id"`
	StepIDs           []string `json:"step_ids"`
}

func (w *Webhook) StepsOffered(ctx context.Context, contact models.ProviderContact, stepList []models.CaseStep) error {
	if w.url == "" {
		return nil
	}

	ids := make([]string, 0, len(stepList))
	for _, s := range stepList {
		ids = append(ids, s.ID.String())
	}
	body, _ := json.Marshal(offeredPayload{
		Event:             "steps.offered",
		ProviderContactID: contact.ID.String(),
		StepIDs:           ids,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Secret", w.secret)

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("notify webhook error: %s | %s", res.Status, string(b))
	}
	return nil
}
