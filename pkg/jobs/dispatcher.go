// Package jobs executes guarded background jobs handed over on the bus.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"coreos/pkg/clock"
	"coreos/pkg/models"
)

const (
	TypeSchedulerTick  = "scheduler.tick"
	TypeIndexBuild     = "index.build"
	TypeWebhookProcess = "webhook.process"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Handler runs one job and returns its result data.
type Handler func(ctx context.Context, payload json.RawMessage, traceID string) (any, error)

type Dispatcher struct {
	handlers map[string]Handler
	clock    clock.Clock
}

// NewDispatcher registers the built-in job types.
func NewDispatcher(clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	d := &Dispatcher{handlers: map[string]Handler{}, clock: clk}
	d.Register(TypeSchedulerTick, d.schedulerTick)
	d.Register(TypeIndexBuild, indexBuild)
	d.Register(TypeWebhookProcess, webhookProcess)
	return d
}

func (d *Dispatcher) Register(jobType string, h Handler) {
	d.handlers[jobType] = h
}

func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobType string, payload json.RawMessage, traceID string) (any, error) {
	h, ok := d.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	log.Printf("jobs dispatch %s trace=%s", jobType, traceID)
	return h(ctx, payload, traceID)
}

type scheduledTask struct {
	Name  string    `json:"name"`
	DueAt time.Time `json:"dueAt"`
}

// schedulerTick reports which tasks are due at the dispatcher's clock.
func (d *Dispatcher) schedulerTick(_ context.Context, payload json.RawMessage, traceID string) (any, error) {
	var p struct {
		Tasks []scheduledTask `json:"tasks"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	now := d.clock.Now()
	due := []string{}
	pending := 0
	for _, task := range p.Tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("%w: task name required", models.ErrInvalidInput)
		}
		if !task.DueAt.After(now) {
			due = append(due, task.Name)
		} else {
			pending++
		}
	}
	sort.Strings(due)
	return map[string]any{
		"tickAt":  now.UTC().Format(time.RFC3339),
		"due":     due,
		"pending": pending,
		"traceId": traceID,
	}, nil
}

// indexBuild builds a term -> document id index and reports its digest.
func indexBuild(ctx context.Context, payload json.RawMessage, traceID string) (any, error) {
	var p struct {
		Documents []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"documents"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	index := map[string][]string{}
	for _, doc := range p.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if doc.ID == "" {
			return nil, fmt.Errorf("%w: document id required", models.ErrInvalidInput)
		}
		seen := map[string]bool{}
		for _, term := range strings.FieldsFunc(strings.ToLower(doc.Text), notWordRune) {
			if seen[term] {
				continue
			}
			seen[term] = true
			index[term] = append(index[term], doc.ID)
		}
	}
	for term := range index {
		sort.Strings(index[term])
	}
	canon, err := models.CanonicalMarshal(index)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documents":   len(p.Documents),
		"terms":       len(index),
		"indexSha256": models.SHA256Hex(canon),
		"traceId":     traceID,
	}, nil
}

func notWordRune(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
}

// webhookProcess validates a webhook delivery and digests its body. The
// receiver of the job result performs the delivery.
func webhookProcess(_ context.Context, payload json.RawMessage, traceID string) (any, error) {
	var p struct {
		Event  string          `json:"event"`
		Target string          `json:"target"`
		Body   json.RawMessage `json:"body"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Event) == "" {
		return nil, fmt.Errorf("%w: event required", models.ErrInvalidInput)
	}
	u, err := url.Parse(p.Target)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid target %q", models.ErrInvalidInput, p.Target)
	}
	body := p.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	canon, err := models.CanonicalizeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", models.ErrInvalidInput, err)
	}
	return map[string]any{
		"event":      p.Event,
		"targetHost": u.Host,
		"bodySha256": models.SHA256Hex(canon),
		"traceId":    traceID,
	}, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", models.ErrInvalidInput, err)
	}
	return nil
}
