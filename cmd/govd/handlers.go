package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"coreos/pkg/agentsdk"
	"coreos/pkg/auth"
	"coreos/pkg/governance"
	"coreos/pkg/httpx"
	"coreos/pkg/models"
	"coreos/pkg/stream"
	"coreos/pkg/telemetry"
	"coreos/pkg/workerguard"
)

const recentReactions = 20

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req agentsdk.EvaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	role := p.Role()
	if role == "" {
		httpx.Error(w, http.StatusForbidden, "no recognized role")
		return
	}
	in := models.PolicyInput{
		ToolName:         req.ToolName,
		ActionType:       req.ActionType,
		AppScope:         req.AppScope,
		ActorRole:        role,
		Environment:      req.Environment,
		RequestSource:    req.RequestSource,
		Nonce:            req.Nonce,
		ArgsHash:         req.ArgsHash,
		ApprovalArgsHash: req.ApprovalArgsHash,
		CorrelationID:    req.CorrelationID,
		Timestamp:        s.Clock.Now(),
		Args:             req.Args,
	}
	if in.Environment == "" {
		in.Environment = s.Config.Environment
	}
	if in.CorrelationID == "" {
		in.CorrelationID = httpx.CorrelationID(r.Context())
	}

	_, span := telemetry.StartDecisionSpan(r.Context(), "policy.evaluate", in.ToolName, string(in.ActionType))
	d, err := s.Policy.Evaluate(in)
	if err != nil {
		telemetry.EndDecisionSpan(span, "", nil, err)
		if errors.Is(err, models.ErrInvalidInput) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("policy evaluate %s: %v", in.ToolName, err)
		httpx.Error(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	telemetry.EndDecisionSpan(span, string(d.Decision), d.RuleIDs(), nil)

	resp := agentsdk.EvaluateResponse{Decision: d}
	if d.Allowed() && s.Signer != nil {
		scope, _ := s.Firewall.RequiredScope(d.ToolName)
		token, err := s.Signer.Issue(d, scope)
		if err != nil {
			log.Printf("scope token for %s: %v", d.ToolName, err)
		} else {
			resp.ScopeToken = token
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) verifyExecution(w http.ResponseWriter, r *http.Request) {
	var req workerguard.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		httpx.Error(w, http.StatusBadRequest, "toolName required")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = httpx.CorrelationID(r.Context())
	}
	_, span := telemetry.StartDecisionSpan(r.Context(), "worker.verify", req.ToolName, string(req.PolicyDecision.ActionType))
	res := s.Guard.Verify(req)
	outcome := "PERMIT"
	var rules []string
	if !res.Permitted {
		outcome = "BLOCK"
		rules = []string{res.RuleID}
	}
	telemetry.EndDecisionSpan(span, outcome, rules, nil)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) policyStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Policy.Status())
}

func (s *Server) evidencePack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.Audit.EvidencePack()
	if err != nil {
		log.Printf("evidence pack: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "evidence pack failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pack)
}

func (s *Server) governanceStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Governance.Status(recentReactions))
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req agentsdk.OverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := governance.ParseMode(string(req.Mode))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid mode")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	st, err := s.Governance.OwnerOverride(mode, p.Subject)
	if err != nil {
		if errors.Is(err, governance.ErrInvalidMode) {
			httpx.Error(w, http.StatusBadRequest, "invalid mode")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("governance override to %s by %s", mode, p.Subject)
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) integrity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HashValid    *bool `json:"hashValid"`
		KernelFrozen bool  `json:"kernelFrozen"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.HashValid == nil {
		httpx.Error(w, http.StatusBadRequest, "hashValid required")
		return
	}
	st := s.Governance.EvaluateIntegrity(governance.IntegritySignal{
		HashValid:    *req.HashValid,
		KernelFrozen: req.KernelFrozen,
	})
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) ledgerParity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedSHA string `json:"expectedSha"`
		ActualSHA   string `json:"actualSha"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ExpectedSHA) == "" || strings.TrimSpace(req.ActualSHA) == "" {
		httpx.Error(w, http.StatusBadRequest, "expectedSha and actualSha required")
		return
	}
	parity := s.Governance.CheckLedgerParity(req.ExpectedSHA, req.ActualSHA)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"parity": parity,
		"state":  s.Governance.State(),
	})
}

func (s *Server) metricsJSON(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	s.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) metricsPrometheus(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	s.Metrics.PrometheusHandler().ServeHTTP(w, r)
}

func (s *Server) refreshGauges() {
	s.Metrics.SetGauge("audit_events", float64(s.Audit.Len()))
	s.Metrics.SetGauge("governance_mode_rank", float64(s.Governance.Mode().Rank()))
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetGauge("stream_dropped", float64(s.Events.Dropped()))
	for _, sink := range s.sinks {
		st := sink.Stats()
		s.Metrics.SetGauge("audit_sink_"+sink.Name()+"_dropped", float64(st.Dropped))
		s.Metrics.SetGauge("audit_sink_"+sink.Name()+"_failed", float64(st.Failed))
	}
}

// streamEvents pushes audit events and governance reactions to a websocket.
// ?types=audit,governance.reaction narrows the feed.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.Config.CORSAllowedOrigins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	sub := s.Events.Subscribe(64, types...)
	defer s.Events.Unsubscribe(sub)

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, map[string]any{
		"mode":  s.Governance.Mode(),
		"types": types,
	})); err != nil {
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// originPatterns turns the CORS allowlist into websocket host patterns.
func originPatterns(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}
