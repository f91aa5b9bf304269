package waves

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/engine"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
	"github.com/surfit-ai/saw-runtime/pkg/llm"
	"github.com/surfit-ai/saw-runtime/pkg/saws"
	"github.com/surfit-ai/saw-runtime/pkg/store"
	"github.com/surfit-ai/saw-runtime/pkg/tools"
)

type harness struct {
	ledger  *ledger.SQLLedger
	store   *store.Store
	service *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "waves.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	led := ledger.NewSQLLedger(db, ledger.DialectSQLite)
	require.NoError(t, led.Init(context.Background()))
	st := store.New(db, ledger.DialectSQLite)
	require.NoError(t, st.Init(context.Background()))

	eng := engine.New(led, st, tools.Builtin(),
		engine.WithRecorder(llm.NewRecorder(st)))

	allowlist := map[string]map[string]bool{
		"agent_finance": {
			"board_metrics_v1":          true,
			"revenue_reconciliation_v1": true,
			"ghost_wave":                true,
		},
	}
	svc := New(eng, st, led, saws.Catalog(), allowlist, opts...)
	return &harness{ledger: led, store: st, service: svc}
}

func validRequest() RunRequest {
	return RunRequest{
		AgentID:        "agent_finance",
		WaveTemplateID: "board_metrics_v1",
		PolicyVersion:  "board_metrics_policy_v1",
		Intent:         "monthly board metrics refresh",
		ContextRefs: map[string]any{
			"input_csv_path":     "data/pipeline.csv",
			"output_report_path": "outputs/board_deck.pdf",
		},
		State: map[string]any{
			contracts.StateApprovalGranted: true,
			contracts.StateApprovalWaitMS:  950.0,
		},
	}
}

func code(t *testing.T, err error) contracts.Code {
	t.Helper()
	var apiErr *contracts.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Code
}

func TestRunValidationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.AgentID = ""
	_, err := h.service.Run(ctx, req)
	assert.Equal(t, contracts.CodeAgentIDRequired, code(t, err))

	req = validRequest()
	req.AgentID = "agent_rogue"
	_, err = h.service.Run(ctx, req)
	assert.Equal(t, contracts.CodeAgentNotAuthorized, code(t, err))

	req = validRequest()
	delete(req.ContextRefs, "output_report_path")
	_, err = h.service.Run(ctx, req)
	assert.Equal(t, contracts.CodeBadContext, code(t, err))

	req = validRequest()
	req.ContextRefs["input_csv_path"] = "/etc/passwd"
	_, err = h.service.Run(ctx, req)
	assert.Equal(t, contracts.CodeInputPathViolation, code(t, err))

	req = validRequest()
	req.ContextRefs["output_report_path"] = "data/escape.pdf"
	_, err = h.service.Run(ctx, req)
	assert.Equal(t, contracts.CodeOutputPathViolation, code(t, err))
}

func TestTraversalEscapesSandbox(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.ContextRefs["input_csv_path"] = "data/../secrets/pipeline.csv"
	_, err := h.service.Run(context.Background(), req)
	assert.Equal(t, contracts.CodeInputPathViolation, code(t, err))
}

func TestUnknownTemplateRejectedAfterAuthz(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.WaveTemplateID = "ghost_wave"
	_, err := h.service.Run(context.Background(), req)
	assert.Equal(t, contracts.CodeWaveNotFound, code(t, err))
}

func TestRunStatusExportRoundtrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.service.Run(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, res.WaveID)
	assert.Equal(t, contracts.RunCompleted, res.Status)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 950.0, res.Summary.HumanWaitTimeMS)

	status, err := h.service.Status(ctx, res.WaveID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, status.Status)
	assert.Equal(t, "board_metrics_v1", status.SAWID)
	require.NotNil(t, status.CycleTime)
	assert.Equal(t, 950.0, status.CycleTime.HumanWaitTimeMS)

	export, err := h.service.ExportAudit(ctx, res.WaveID[:8])
	require.NoError(t, err)
	assert.Equal(t, res.WaveID, export.WaveID)
	assert.Equal(t, "VALID", export.IntegrityStatus)
	assert.True(t, export.Verification.Valid)
	assert.Len(t, export.Entries, 8)
	assert.Len(t, export.LLMInvocations, 1)
	assert.Len(t, export.Record.PolicyHash, 64)
}

func TestStatusUnknownWave(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Status(context.Background(), "no-such-wave")
	assert.Equal(t, contracts.CodeWaveNotFound, code(t, err))
}

func openRun(t *testing.T, h *harness, runID string) {
	t.Helper()
	require.NoError(t, h.store.OpenRun(context.Background(), &contracts.RunRecord{
		RunID:     runID,
		SAWID:     "board_metrics_v1",
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Status:    contracts.RunRunning,
	}))
}

func TestApproveByShortPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	openRun(t, h, "f00dbeef-0000-4000-8000-000000000001")

	res, err := h.service.Approve(ctx, "apr_f00dbeef", "cfo@surfit.ai", "metrics reviewed")
	require.NoError(t, err)
	assert.Equal(t, "f00dbeef-0000-4000-8000-000000000001", res.WaveID)
	assert.Equal(t, "cfo@surfit.ai", res.ApprovedBy)
	// approval attribution does not advance the lifecycle
	assert.Equal(t, contracts.RunRunning, res.Status)

	rec, err := h.store.GetRun(ctx, res.WaveID)
	require.NoError(t, err)
	assert.Equal(t, "cfo@surfit.ai", rec.ApprovedBy)
	assert.Equal(t, "metrics reviewed", rec.ApprovalNote)
}

func TestApprovePrefixErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	openRun(t, h, "aaaa1111-0000-4000-8000-000000000001")
	openRun(t, h, "aaaa2222-0000-4000-8000-000000000002")

	_, err := h.service.Approve(ctx, "apr_ffff", "cfo@surfit.ai", "")
	assert.Equal(t, contracts.CodeWaveNotFound, code(t, err))

	_, err = h.service.Approve(ctx, "apr_aaaa", "cfo@surfit.ai", "")
	assert.Equal(t, contracts.CodeAmbiguousWavePrefix, code(t, err))
}

func TestExportAmbiguousPrefix(t *testing.T) {
	h := newHarness(t)
	openRun(t, h, "bbbb1111-0000-4000-8000-000000000001")
	openRun(t, h, "bbbb2222-0000-4000-8000-000000000002")

	_, err := h.service.ExportAudit(context.Background(), "bbbb")
	assert.Equal(t, contracts.CodeAmbiguousWavePrefix, code(t, err))
}

type stubRunner struct {
	summary *contracts.RunSummary
	err     error
	delay   time.Duration
}

func (s *stubRunner) Run(_ context.Context, spec contracts.SAWSpec, rc *contracts.RunContext) (*contracts.RunSummary, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	out := *s.summary
	out.RunID = rc.RunID
	out.SAWID = spec.SAWID
	return &out, nil
}

func stubService(t *testing.T, r Runner, opts ...Option) *Service {
	t.Helper()
	h := newHarness(t)
	return New(r, h.store, h.ledger, saws.Catalog(),
		map[string]map[string]bool{"agent_finance": {"board_metrics_v1": true}},
		opts...)
}

func TestRunTimeoutSurfacesPartialResult(t *testing.T) {
	stub := &stubRunner{
		summary: &contracts.RunSummary{Status: contracts.RunCompleted},
		delay:   5 * time.Millisecond,
	}
	svc := stubService(t, stub, WithMaxRuntime(time.Nanosecond))

	res, err := svc.Run(context.Background(), validRequest())
	assert.Equal(t, contracts.CodeWaveTimeout, code(t, err))
	require.NotNil(t, res)
	assert.Equal(t, contracts.RunCompleted, res.Status)
}

func TestRunnerErrorsMapToAPIErrors(t *testing.T) {
	svc := stubService(t, &stubRunner{err: errors.New("ledger write failed")})
	_, err := svc.Run(context.Background(), validRequest())
	assert.Equal(t, contracts.CodeWaveExecutionError, code(t, err))

	svc = stubService(t, &stubRunner{err: contracts.ErrUnsupportedGraph})
	_, err = svc.Run(context.Background(), validRequest())
	assert.Equal(t, contracts.CodeUnsupportedGraph, code(t, err))
}

func TestRateLimitHonorsContext(t *testing.T) {
	stub := &stubRunner{summary: &contracts.RunSummary{Status: contracts.RunCompleted}}
	svc := stubService(t, stub, WithRateLimit(rate.Limit(1), 1))
	ctx := context.Background()

	_, err := svc.Run(ctx, validRequest())
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = svc.Run(canceled, validRequest())
	assert.Equal(t, contracts.CodeWaveExecutionError, code(t, err))
	var apiErr *contracts.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, strings.Contains(apiErr.Message, "rate limit"))
}
