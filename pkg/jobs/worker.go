package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"coreos/pkg/clock"
	"coreos/pkg/metrics"
	"coreos/pkg/models"
	"coreos/pkg/statebus"
	"coreos/pkg/workerguard"
)

// Envelope is one job request as it arrives on the bus. ArgsHash is the
// payload hash the policy decision was issued for.
type Envelope struct {
	JobID          string                `json:"jobId"`
	JobType        string                `json:"jobType"`
	ToolName       string                `json:"toolName"`
	ActionType     models.ActionType     `json:"actionType"`
	Nonce          string                `json:"nonce"`
	ArgsHash       string                `json:"argsHash"`
	ScopeToken     string                `json:"scopeToken,omitempty"`
	PolicyDecision models.PolicyDecision `json:"policyDecision"`
	Payload        json.RawMessage       `json:"payload,omitempty"`
	TraceID        string                `json:"traceId"`
}

// Verifier is the execution gate; *workerguard.Guard satisfies it.
type Verifier interface {
	Verify(workerguard.Request) workerguard.Result
}

// ResultPublisher receives signed results; *statebus.KafkaPublisher satisfies it.
type ResultPublisher interface {
	Publish(ctx context.Context, key string, v any) error
}

type WorkerConfig struct {
	ID     string
	Secret []byte
	// Rate caps jobs per second; zero means unlimited.
	Rate  float64
	Burst int
}

type Worker struct {
	id         string
	secret     []byte
	guard      Verifier
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	clock      clock.Clock
	metrics    *metrics.Registry
}

func NewWorker(cfg WorkerConfig, guard Verifier, d *Dispatcher, clk clock.Clock, reg *metrics.Registry) *Worker {
	if clk == nil {
		clk = clock.System()
	}
	if d == nil {
		d = NewDispatcher(clk)
	}
	if cfg.ID == "" {
		cfg.ID = "worker-1"
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Worker{
		id:         cfg.ID,
		secret:     cfg.Secret,
		guard:      guard,
		dispatcher: d,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		clock:      clk,
		metrics:    reg,
	}
}

func (w *Worker) ID() string { return w.id }

// Process gates and executes one envelope. Blocked or failed jobs yield a
// signed FAILED result, not an error.
func (w *Worker) Process(ctx context.Context, env Envelope) (Result, error) {
	log.Printf("jobs processing %s (%s) trace=%s", env.JobID, env.JobType, env.TraceID)

	hash, err := PayloadHash(env.Payload)
	if err != nil || hash != env.ArgsHash {
		msg := "payload does not match the evaluated argsHash"
		if err != nil {
			msg = err.Error()
		}
		return w.failure(env, CodePayloadMismatch, msg)
	}

	if w.guard != nil {
		res := w.guard.Verify(workerguard.Request{
			ToolName:       env.ToolName,
			Nonce:          env.Nonce,
			ScopeToken:     env.ScopeToken,
			ArgsHash:       env.ArgsHash,
			ActionType:     env.ActionType,
			PolicyDecision: env.PolicyDecision,
			CorrelationID:  env.TraceID,
		})
		if !res.Permitted {
			log.Printf("jobs %s blocked by worker guard: %s", env.JobID, res.RuleID)
			return w.failure(env, res.RuleID, res.BlockReason)
		}
	}

	started := w.clock.Now()
	data, execErr := w.dispatcher.Dispatch(ctx, env.JobType, env.Payload, env.TraceID)
	finished := w.clock.Now()
	if w.metrics != nil {
		w.metrics.ObserveLatency("job_"+env.JobType, finished.Sub(started))
	}
	if execErr != nil {
		return w.failure(env, CodeExecutionError, execErr.Error())
	}
	resultHash, err := ResultHash(data)
	if err != nil {
		return w.failure(env, CodeHashError, err.Error())
	}
	res := Result{
		JobID:      env.JobID,
		Status:     StatusSucceeded,
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
		ResultHash: resultHash,
		ResultData: data,
		Metrics:    Metrics{Attempts: 1, LatencyMs: finished.Sub(started).Milliseconds()},
		TraceID:    env.TraceID,
		WorkerID:   w.id,
	}
	if err := res.Sign(w.secret); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (w *Worker) failure(env Envelope, code, msg string) (Result, error) {
	now := w.clock.Now().UnixMilli()
	res := Result{
		JobID:        env.JobID,
		Status:       StatusFailed,
		StartedAt:    now,
		FinishedAt:   now,
		ResultHash:   models.SHA256Hex(nil),
		ErrorCode:    code,
		ErrorMessage: msg,
		Metrics:      Metrics{Attempts: 1},
		TraceID:      env.TraceID,
		WorkerID:     w.id,
	}
	if err := res.Sign(w.secret); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Run consumes envelopes until ctx is done, publishing one result per
// decodable message.
func (w *Worker) Run(ctx context.Context, src statebus.Consumer, sink ResultPublisher) error {
	if src == nil || sink == nil {
		return errors.New("jobs: source and sink required")
	}
	log.Printf("jobs worker %s started", w.id)
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("jobs rate limiter: %w", err)
		}
		msg, err := src.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("jobs bus read error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.Printf("jobs envelope decode error: %v", err)
			continue
		}
		res, err := w.Process(ctx, env)
		if err != nil {
			log.Printf("jobs process %s: %v", env.JobID, err)
			continue
		}
		if err := sink.Publish(ctx, res.JobID, res); err != nil {
			log.Printf("jobs publish result %s: %v", res.JobID, err)
		}
	}
}
