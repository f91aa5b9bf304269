// Package waves fronts the engine for external agents: request
// validation, agent-to-workflow authorization, context path sandboxing,
// per-agent rate limiting, a wall-clock cap, approval by short prefix,
// and audit export. It is a service layer, not an HTTP handler.
package waves

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
	"github.com/surfit-ai/saw-runtime/pkg/store"
)

// DefaultMaxRuntime caps a single wave's wall clock.
const DefaultMaxRuntime = 30 * time.Second

// ApprovalPrefix marks approval request ids derived from wave id
// prefixes.
const ApprovalPrefix = "apr_"

// Runner executes one wave. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, spec contracts.SAWSpec, rc *contracts.RunContext) (*contracts.RunSummary, error)
}

// RunRequest is a validated wave submission.
type RunRequest struct {
	AgentID        string         `json:"agent_id"`
	WaveTemplateID string         `json:"wave_template_id"`
	PolicyVersion  string         `json:"policy_version"`
	Intent         string         `json:"intent"`
	ContextRefs    map[string]any `json:"context_refs"`
	// State seeds the run context, e.g. approval control signals.
	State map[string]any `json:"state,omitempty"`
}

// RunResult is the outcome of a submitted wave.
type RunResult struct {
	WaveID  string                `json:"wave_id"`
	Status  contracts.RunStatus   `json:"status"`
	Summary *contracts.RunSummary `json:"summary"`
}

// Service wires validation in front of the engine.
type Service struct {
	runner     Runner
	store      *store.Store
	ledger     ledger.Ledger
	catalog    map[string]contracts.SAWSpec
	allowlist  map[string]map[string]bool
	dataDir    string
	outputDir  string
	maxRuntime time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateLim  rate.Limit
	burst    int
}

// Option configures a Service.
type Option func(*Service)

// WithSandbox sets the directories context paths must stay under.
func WithSandbox(dataDir, outputDir string) Option {
	return func(s *Service) { s.dataDir, s.outputDir = dataDir, outputDir }
}

// WithMaxRuntime overrides the wall-clock cap.
func WithMaxRuntime(d time.Duration) Option {
	return func(s *Service) { s.maxRuntime = d }
}

// WithRateLimit sets the per-agent submission rate.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *Service) { s.rateLim, s.burst = r, burst }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service. allowlist maps agent ids to the saw ids they
// may run; agents absent from it may run nothing.
func New(runner Runner, st *store.Store, l ledger.Ledger,
	catalog map[string]contracts.SAWSpec, allowlist map[string]map[string]bool,
	opts ...Option) *Service {
	s := &Service{
		runner:     runner,
		store:      st,
		ledger:     l,
		catalog:    catalog,
		allowlist:  allowlist,
		dataDir:    "./data",
		outputDir:  "./outputs",
		maxRuntime: DefaultMaxRuntime,
		logger:     slog.Default(),
		limiters:   make(map[string]*rate.Limiter),
		rateLim:    rate.Limit(5),
		burst:      10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) limiter(agentID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(s.rateLim, s.burst)
		s.limiters[agentID] = lim
	}
	return lim
}

// isUnder reports whether target resolves inside base.
func isUnder(base, target string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Run validates and executes one wave. Validation failures and
// execution faults return a *contracts.APIError.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.AgentID == "" {
		return nil, contracts.NewAPIError(contracts.CodeAgentIDRequired, "run_wave", "agent_id is required")
	}
	if !s.allowlist[req.AgentID][req.WaveTemplateID] {
		return nil, contracts.NewAPIError(contracts.CodeAgentNotAuthorized, "run_wave",
			"agent_id '%s' is not authorized for wave_template_id '%s'", req.AgentID, req.WaveTemplateID)
	}

	inputPath, _ := req.ContextRefs["input_csv_path"].(string)
	outputPath, _ := req.ContextRefs["output_report_path"].(string)
	if inputPath == "" || outputPath == "" {
		return nil, contracts.NewAPIError(contracts.CodeBadContext, "run_wave", "Missing required context paths")
	}
	if !isUnder(s.dataDir, inputPath) {
		return nil, contracts.NewAPIError(contracts.CodeInputPathViolation, "run_wave",
			"input_csv_path must be under %s", s.dataDir)
	}
	if !isUnder(s.outputDir, outputPath) {
		return nil, contracts.NewAPIError(contracts.CodeOutputPathViolation, "run_wave",
			"output_report_path must be under %s", s.outputDir)
	}

	if err := s.limiter(req.AgentID).Wait(ctx); err != nil {
		return nil, contracts.NewAPIError(contracts.CodeWaveExecutionError, "run_wave", "rate limit wait: %v", err)
	}

	spec, ok := s.catalog[req.WaveTemplateID]
	if !ok {
		return nil, contracts.NewAPIError(contracts.CodeWaveNotFound, "run_wave",
			"Unsupported wave_template_id '%s'", req.WaveTemplateID)
	}

	rc := contracts.NewRunContext(spec.SAWID)
	rc.Operator = req.AgentID
	for k, v := range req.State {
		rc.State[k] = v
	}

	s.logger.InfoContext(ctx, "wave accepted",
		"wave_id", rc.RunID, "agent_id", req.AgentID,
		"wave_template_id", req.WaveTemplateID, "intent", req.Intent)

	started := time.Now()
	summary, err := s.runner.Run(ctx, spec, rc)
	elapsed := time.Since(started)

	if err != nil {
		var apiErr *contracts.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, contracts.NewAPIError(contracts.CodeWaveExecutionError, "run_wave", "%v", err)
	}
	if elapsed > s.maxRuntime {
		return &RunResult{WaveID: rc.RunID, Status: summary.Status, Summary: summary},
			contracts.NewAPIError(contracts.CodeWaveTimeout, "run_wave",
				"Wave exceeded max runtime of %s", s.maxRuntime)
	}
	return &RunResult{WaveID: rc.RunID, Status: summary.Status, Summary: summary}, nil
}

// WaveStatus is the status view of a single wave.
type WaveStatus struct {
	WaveID    string                `json:"wave_id"`
	SAWID     string                `json:"saw_id"`
	Status    contracts.RunStatus   `json:"status"`
	StartedAt string                `json:"started_at"`
	CycleTime *store.CycleBreakdown `json:"cycle_time,omitempty"`
}

// Status looks up a wave by its full id.
func (s *Service) Status(ctx context.Context, waveID string) (*WaveStatus, error) {
	rec, err := s.store.GetRun(ctx, waveID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NewAPIError(contracts.CodeWaveNotFound, "wave_status",
				"No wave found for provided wave_id")
		}
		return nil, fmt.Errorf("waves: status lookup: %w", err)
	}
	ct, err := s.store.CycleTime(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: cycle time: %w", err)
	}
	return &WaveStatus{
		WaveID:    rec.RunID,
		SAWID:     rec.SAWID,
		Status:    rec.Status,
		StartedAt: rec.StartedAt,
		CycleTime: ct,
	}, nil
}

// ApprovalResult attributes a recorded approval.
type ApprovalResult struct {
	WaveID     string              `json:"wave_id"`
	Status     contracts.RunStatus `json:"status"`
	ApprovedBy string              `json:"approved_by"`
	Note       string              `json:"note,omitempty"`
}

// Approve records an approval against the wave identified by an
// unambiguous id prefix (an "apr_"-prefixed approval request id is
// accepted and stripped). A running wave stays running; completion is
// reachable only through the end node.
func (s *Service) Approve(ctx context.Context, approvalRequestID, approvedBy, note string) (*ApprovalResult, error) {
	prefix := strings.TrimPrefix(approvalRequestID, ApprovalPrefix)
	waveID, err := s.store.ResolveRunPrefix(ctx, prefix)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, contracts.NewAPIError(contracts.CodeWaveNotFound, "approve_wave",
				"No matching wave for approval_request_id prefix")
		case errors.Is(err, store.ErrAmbiguousPrefix):
			return nil, contracts.NewAPIError(contracts.CodeAmbiguousWavePrefix, "approve_wave",
				"approval_request_id prefix maps to multiple waves")
		}
		return nil, fmt.Errorf("waves: resolve approval prefix: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.RecordApproval(ctx, waveID, approvedBy, now, note); err != nil {
		return nil, fmt.Errorf("waves: record approval: %w", err)
	}
	rec, err := s.store.GetRun(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: reload wave: %w", err)
	}
	s.logger.InfoContext(ctx, "wave approval recorded",
		"wave_id", waveID, "approved_by", approvedBy)
	return &ApprovalResult{
		WaveID:     waveID,
		Status:     rec.Status,
		ApprovedBy: approvedBy,
		Note:       note,
	}, nil
}

// AuditExport bundles everything an auditor needs for one wave.
type AuditExport struct {
	WaveID          string                    `json:"wave_id"`
	IntegrityStatus string                    `json:"integrity_status"`
	Verification    *ledger.VerifyResult      `json:"verification"`
	Record          *contracts.RunRecord      `json:"record"`
	Entries         []contracts.LogEntry      `json:"entries"`
	LLMInvocations  []contracts.LLMInvocation `json:"llm_invocations"`
}

// ExportAudit resolves a wave by full id or unambiguous prefix and
// returns its run record, full chain, integrity verdict, and model
// invocation records.
func (s *Service) ExportAudit(ctx context.Context, waveIDOrPrefix string) (*AuditExport, error) {
	waveID, err := s.store.ResolveRunPrefix(ctx, waveIDOrPrefix)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, contracts.NewAPIError(contracts.CodeWaveNotFound, "export_audit",
				"No wave found for provided wave_id")
		case errors.Is(err, store.ErrAmbiguousPrefix):
			return nil, contracts.NewAPIError(contracts.CodeAmbiguousWavePrefix, "export_audit",
				"wave_id prefix maps to multiple waves")
		}
		return nil, fmt.Errorf("waves: resolve export prefix: %w", err)
	}

	rec, err := s.store.GetRun(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: export record: %w", err)
	}
	entries, err := s.ledger.Entries(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: export entries: %w", err)
	}
	verdict, err := s.ledger.Verify(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: export verify: %w", err)
	}
	invocations, err := s.store.Invocations(ctx, waveID)
	if err != nil {
		return nil, fmt.Errorf("waves: export invocations: %w", err)
	}

	integrity := "INVALID"
	if verdict.Valid {
		integrity = "VALID"
	}
	return &AuditExport{
		WaveID:          waveID,
		IntegrityStatus: integrity,
		Verification:    verdict,
		Record:          rec,
		Entries:         entries,
		LLMInvocations:  invocations,
	}, nil
}
