// Command simulate drives a running exchange API with synthetic chat
// traffic: token, code and request flows plus deliberate replays. It
// needs no credentials and tolerates a missing identity backend, so it
// can run against any environment.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keybridge.io/internal/sim"
)

var (
	errRateLimited = errors.New("rate limited")
	errConflict    = errors.New("conflict")
)

func main() {
	baseURL := flag.String("base-url", envOr("KEYBRIDGE_API_ADDR", "http://localhost:8080"), "exchange API base URL")
	workers := flag.Int("workers", 4, "concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	seed := flag.Int64("seed", 0, "random seed, 0 = time-based")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	// Каждому воркеру свой генератор, чтобы прогон был воспроизводим.
	base := *seed
	if base == 0 {
		base = time.Now().UnixNano()
	}

	counter := sim.NewCounter()
	var ok, conflicts, rateLimited, failed atomic.Int64
	client := &http.Client{Timeout: 10 * time.Second}

	log.Printf("simulate: %d workers against %s for %s (seed=%d)", *workers, *baseURL, *duration, base)

	var wg sync.WaitGroup
	for id := 0; id < *workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			gen := sim.NewGenerator(sim.DefaultScenario(), base+int64(id)*9973)
			w := &worker{client: client, baseURL: *baseURL}
			for ctx.Err() == nil {
				flow := gen.NextFlow()
				switch err := w.run(ctx, flow); {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, errRateLimited):
					rateLimited.Add(1)
					sleepCtx(ctx, 250*time.Millisecond)
				case errors.Is(err, errConflict):
					conflicts.Add(1)
				case ctx.Err() != nil:
					// Остановка по дедлайну, не ошибка.
				default:
					failed.Add(1)
					log.Printf("worker %d: %s flow: %v", id, flow.Kind, err)
				}
				counter.Add(flow.Kind)
				sleepCtx(ctx, gen.Jitter(10*time.Millisecond, 60*time.Millisecond))
			}
		}(id)
	}
	wg.Wait()

	total, byKind := counter.Snapshot()
	log.Printf("simulate: done flows=%d by_kind=%v ok=%d conflict=%d rate_limited=%d failed=%d",
		total, byKind, ok.Load(), conflicts.Load(), rateLimited.Load(), failed.Load())
}

type worker struct {
	client  *http.Client
	baseURL string
}

func (w *worker) run(ctx context.Context, flow sim.Flow) error {
	switch flow.Kind {
	case sim.FlowToken:
		return w.tokenFlow(ctx, flow)
	case sim.FlowCode:
		return w.codeFlow(ctx, flow)
	case sim.FlowRequest:
		return w.requestFlow(ctx, flow)
	case sim.FlowReplay:
		return w.replayFlow(ctx, flow)
	default:
		return fmt.Errorf("unknown flow kind %q", flow.Kind)
	}
}

func (w *worker) tokenFlow(ctx context.Context, flow sim.Flow) error {
	status, issued, err := w.post(ctx, "/v1/tokens", map[string]any{"subject_id": flow.Subject.ID})
	if err := classify(status, http.StatusCreated, err); err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	secret, _ := issued["secret"].(string)
	status, _, err = w.post(ctx, "/v1/tokens/consume", map[string]any{"secret": secret})
	if err := classify(status, http.StatusOK, err); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	return nil
}

func (w *worker) codeFlow(ctx context.Context, flow sim.Flow) error {
	status, issued, err := w.post(ctx, "/v1/codes", map[string]any{"subject_id": flow.Subject.ID})
	if err := classify(status, http.StatusCreated, err); err != nil {
		return fmt.Errorf("issue code: %w", err)
	}
	hash, _ := issued["code_hash"].(string)
	status, _, err = w.post(ctx, "/v1/codes/verify", map[string]any{"code_hash": hash})
	if err := classify(status, http.StatusOK, err); err != nil {
		return fmt.Errorf("verify code: %w", err)
	}
	return nil
}

func (w *worker) requestFlow(ctx context.Context, flow sim.Flow) error {
	status, created, err := w.post(ctx, "/v1/requests", map[string]any{
		"subject_id": flow.Subject.ID,
		"intent":     flow.Intent,
	})
	if err := classify(status, http.StatusCreated, err); err != nil {
		return fmt.Errorf("issue request: %w", err)
	}
	rid, _ := created["request_id"].(string)
	status, _, err = w.post(ctx, "/v1/claim", map[string]any{"request_id": rid})
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusBadGateway:
		// 502 means no identity backend in this environment; the
		// request is still resolved and consumed.
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("claim: %w", errRateLimited)
	default:
		return fmt.Errorf("claim: unexpected status %d", status)
	}
}

func (w *worker) replayFlow(ctx context.Context, flow sim.Flow) error {
	status, issued, err := w.post(ctx, "/v1/tokens", map[string]any{"subject_id": flow.Subject.ID})
	if err := classify(status, http.StatusCreated, err); err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	secret, _ := issued["secret"].(string)
	status, _, err = w.post(ctx, "/v1/tokens/consume", map[string]any{"secret": secret})
	if err := classify(status, http.StatusOK, err); err != nil {
		return fmt.Errorf("first consume: %w", err)
	}
	status, _, err = w.post(ctx, "/v1/tokens/consume", map[string]any{"secret": secret})
	if err != nil {
		return fmt.Errorf("replay consume: %w", err)
	}
	if status != http.StatusConflict {
		return fmt.Errorf("replay consume: want 409, got %d", status)
	}
	return nil
}

func (w *worker) post(ctx context.Context, path string, body any) (int, map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, decoded, nil
}

// classify folds an HTTP outcome into nil, a sentinel or an error.
func classify(status, want int, err error) error {
	switch {
	case err != nil:
		return err
	case status == want:
		return nil
	case status == http.StatusTooManyRequests:
		return errRateLimited
	case status == http.StatusConflict:
		return errConflict
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
