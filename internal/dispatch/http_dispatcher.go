// Package dispatch provides the concrete Dispatcher implementations the
// Scheduler (internal/scheduler) drives tasks through. HTTPDispatcher is
// adapted from the teacher's HTTPPlugin (services/orchestrator/plugins.go),
// generalized from "one of seven pluggable task-type executors keyed by
// TaskType" to "the single opaque-HTTP-endpoint dispatch path", matching
// spec.md's explicit non-goal of in-process model hosting: a provider is
// just an HTTP endpoint the Scheduler POSTs a task to.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/model"
)

// maxResponseBytes bounds how much of a provider's response body is read,
// mirroring the teacher's HTTPPlugin 10MB cap.
const maxResponseBytes = 10 << 20

// DispatchError classifies a dispatch failure for the Scheduler's retry
// policy (spec §7): a provider's own rejection (4xx — bad request,
// unsupported task kind) is permanent and not worth retrying against the
// same provider, while a network error, timeout, or 5xx is transient and
// should be retried with backoff.
type DispatchError struct {
	Kind       model.ErrorKind
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type dispatchRequest struct {
	TaskID       string            `json:"task_id"`
	Kind         string            `json:"kind"`
	Payload      []byte            `json:"payload,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HTTPDispatcher dispatches a task by POSTing it to the selected provider's
// endpoint and returning the raw response body as the task's output.
type HTTPDispatcher struct {
	client *http.Client
	tracer trace.Tracer
}

// NewHTTPDispatcher constructs a dispatcher with connection pooling tuned the
// way the teacher's HTTPPlugin tunes its client.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("taskmesh-dispatch"),
	}
}

// Dispatch satisfies scheduler.Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, task model.Task, worker model.Worker, provider model.Provider) ([]byte, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.http",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("provider_id", provider.ID),
			attribute.String("worker_id", worker.ID),
		),
	)
	defer span.End()

	reqBody := dispatchRequest{
		TaskID:       task.ID,
		Kind:         task.Kind,
		Payload:      task.Payload,
		Capabilities: task.Capabilities,
		Metadata:     task.Metadata,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &DispatchError{Kind: model.ErrorKindValidation, Err: fmt.Errorf("marshal dispatch request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &DispatchError{Kind: model.ErrorKindPermanentProvider, Err: fmt.Errorf("create dispatch request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	req.Header.Set("X-Worker-ID", worker.ID)
	req.Header.Set("User-Agent", "taskmesh-dispatcher/1.0")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DispatchError{Kind: model.ErrorKindTransientProvider, Err: fmt.Errorf("dispatch request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &DispatchError{Kind: model.ErrorKindTransientProvider, Err: fmt.Errorf("read dispatch response: %w", err)}
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("http.response_size", len(body)),
	)

	if resp.StatusCode >= 400 {
		kind := model.ErrorKindTransientProvider
		if resp.StatusCode < 500 {
			kind = model.ErrorKindPermanentProvider
		}
		return nil, &DispatchError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider %s returned http %d: %s", provider.ID, resp.StatusCode, string(body)),
		}
	}
	return body, nil
}
