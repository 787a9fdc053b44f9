// Package notify delivers escalation alerts to the CC/support webhook as
// background jobs, so a slow or down webhook never blocks the escalating
// staff member's request.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type EscalationJobArgs struct {
	TradeID     uuid.UUID `json:"trade_id"`
	TradeHash   string    `json:"trade_hash"`
	Reason      string    `json:"reason"`
	EscalatedBy uuid.UUID `json:"escalated_by"`
}

func (EscalationJobArgs) Kind() string { return "notify_escalation" }

type EscalationWorker struct {
	river.WorkerDefaults[EscalationJobArgs]
	webhookURL string
	httpClient *http.Client
}

func NewEscalationWorker(webhookURL string) *EscalationWorker {
	return &EscalationWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *EscalationWorker) Work(ctx context.Context, job *river.Job[EscalationJobArgs]) error {
	if w.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(job.Args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("escalation webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook returned status %d", resp.StatusCode)
	}
	return nil
}
