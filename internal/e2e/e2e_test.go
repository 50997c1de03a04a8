package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/memora/internal/allowance"
	"github.com/smallbiznis/memora/internal/analysisjob"
	"github.com/smallbiznis/memora/internal/artifact"
	"github.com/smallbiznis/memora/internal/authctx"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/migration"
	"github.com/smallbiznis/memora/internal/observability"
	"github.com/smallbiznis/memora/internal/pricing"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/internal/ratelimit"
	"github.com/smallbiznis/memora/internal/server"
	"github.com/smallbiznis/memora/internal/settlement"
	"github.com/smallbiznis/memora/internal/worker"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	e2eSecret  = "e2e-secret"
	failMarker = "FAIL-ENGINE"
)

type testEnv struct {
	app     *fx.App
	db      *gorm.DB
	pool    *worker.Pool
	baseURL string
	httpSrv *httptest.Server
}

var env *testEnv

// The suite needs a Postgres database; set MEMORA_E2E=1 and the DATABASE_*
// variables to run it.
func TestMain(m *testing.M) {
	if strings.TrimSpace(os.Getenv("MEMORA_E2E")) == "" {
		fmt.Fprintln(os.Stderr, "skipping e2e suite: MEMORA_E2E not set")
		os.Exit(0)
	}

	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_SubmitRunSettle(t *testing.T) {
	resetDatabase(t, env.db)
	orgID := "org-e2e-1"
	startSubscription(t, orgID, "starter")

	user := tokenFor(t, "user-a", orgID, authctx.RoleUser)
	jobID, price := submitJob(t, user, "ASC 606", 1500)
	if price != 1500 {
		t.Fatalf("expected price 1500, got %d", price)
	}

	runWorker(t)

	job := getJob(t, user, jobID)
	if job.Status != "completed" || job.Charged != 1500 {
		t.Fatalf("expected completed job charged 1500, got %+v", job)
	}

	balance := getRemaining(t, user)
	if balance != 28500 {
		t.Fatalf("expected remaining 28500, got %d", balance)
	}

	workerToken := tokenFor(t, "worker-1", "", authctx.RoleWorker)
	for i := 0; i < 3; i++ {
		resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/jobs/"+jobID+"/settle", workerToken, map[string]any{
			"user_id":  "user-a",
			"success":  true,
			"artifact": "replayed",
			"price":    1,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected replayed settle 200, got %d: %s", resp.StatusCode, string(body))
		}
	}
	if n := countRows(t, env.db, "usage_ledger_entries", "org_id = ?", orgID); n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
	if balance := getRemaining(t, user); balance != 28500 {
		t.Fatalf("expected remaining unchanged at 28500, got %d", balance)
	}
}

func TestE2E_FailedAnalysisIsFree(t *testing.T) {
	resetDatabase(t, env.db)
	orgID := "org-e2e-2"
	startSubscription(t, orgID, "starter")

	user := tokenFor(t, "user-b", orgID, authctx.RoleUser)
	jobID, _ := submitJob(t, user, "ASC 842 "+failMarker, 2000)

	runWorker(t)

	job := getJob(t, user, jobID)
	if job.Status != "failed" || job.Charged != 0 {
		t.Fatalf("expected failed job with no charge, got %+v", job)
	}
	if job.Artifact != nil {
		t.Fatalf("failed job must not expose an artifact")
	}
	if balance := getRemaining(t, user); balance != 30000 {
		t.Fatalf("expected remaining 30000, got %d", balance)
	}
	if n := countRows(t, env.db, "usage_ledger_entries", "org_id = ?", orgID); n != 0 {
		t.Fatalf("expected no ledger entries, got %d", n)
	}
}

func TestE2E_OtherUserCannotReadOrSettle(t *testing.T) {
	resetDatabase(t, env.db)
	orgID := "org-e2e-3"
	startSubscription(t, orgID, "starter")

	owner := tokenFor(t, "user-c", orgID, authctx.RoleUser)
	jobID, _ := submitJob(t, owner, "ASC 718", 600)

	intruder := tokenFor(t, "user-d", orgID, authctx.RoleUser)
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/jobs/"+jobID, intruder, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for other user, got %d: %s", resp.StatusCode, string(body))
	}

	workerToken := tokenFor(t, "worker-1", "", authctx.RoleWorker)
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/internal/jobs/"+jobID+"/settle", workerToken, map[string]any{
		"user_id":  "user-d",
		"success":  true,
		"artifact": "stolen",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched caller, got %d: %s", resp.StatusCode, string(body))
	}

	job := getJob(t, owner, jobID)
	if job.Status != "processing" {
		t.Fatalf("rejected settle must not change state, got %s", job.Status)
	}
}

func TestE2E_UpgradeCarriesUnusedAllowance(t *testing.T) {
	resetDatabase(t, env.db)
	orgID := "org-e2e-4"
	startSubscription(t, orgID, "starter")

	user := tokenFor(t, "user-e", orgID, authctx.RoleUser)
	submitJob(t, user, "ASC 805", 8500)
	runWorker(t)

	if balance := getRemaining(t, user); balance != 21500 {
		t.Fatalf("expected remaining 21500 before upgrade, got %d", balance)
	}

	now := time.Now().UTC().Truncate(time.Second)
	applyEvent(t, map[string]any{
		"org_id":       orgID,
		"plan_code":    "professional",
		"type":         "plan_upgraded",
		"effective_at": now,
		"period_end":   now.AddDate(0, 1, 0),
	})

	if balance := getRemaining(t, user); balance != 96500 {
		t.Fatalf("expected remaining 96500 after upgrade, got %d", balance)
	}
}

type jobView struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Price    int64   `json:"price"`
	Charged  int64   `json:"charged"`
	Artifact *string `json:"artifact"`
}

func startEnv() (*testEnv, error) {
	var (
		dbConn *gorm.DB
		cfg    config.Config
		engine *gin.Engine
		pool   *worker.Pool
	)

	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		queue.Module,
		artifact.Module,
		pricing.Module,
		allowance.Module,
		settlement.Module,
		analysisjob.Module,
		worker.Module,
		fx.Decorate(func(worker.Engine) worker.Engine { return fakeEngine() }),
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(server.NewEngine),
		fx.Invoke(server.NewServer),
		fx.Populate(&dbConn, &cfg, &engine, &pool),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(cfg.DBType)) != "postgres" {
		app.Stop(context.Background())
		return nil, fmt.Errorf("expected postgres db, got %s", cfg.DBType)
	}

	httpSrv := httptest.NewServer(engine)
	return &testEnv{
		app:     app,
		db:      dbConn,
		pool:    pool,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.app.Stop(ctx)
}

// fakeEngine drafts a memo for every job except those whose first document
// name carries failMarker.
func fakeEngine() worker.Engine {
	return worker.EngineFunc(func(ctx context.Context, step string, run *worker.Run) error {
		if len(run.Documents) > 0 && strings.Contains(run.Documents[0].Name, failMarker) {
			return errors.New("engine rejected document")
		}
		if step == worker.DefaultStepNames[len(worker.DefaultStepNames)-1] {
			run.Artifact = fmt.Sprintf("# Memo for job %s", run.JobID)
		}
		return nil
	})
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_TYPE", "postgres")
	setEnvIfEmpty("DATABASE_NAME", "memora_e2e")
	setEnvIfEmpty("AUTH_JWT_SECRET", e2eSecret)
	setEnvIfEmpty("QUEUE_DRIVER", "memory")
	setEnvIfEmpty("WORKER_ENABLED", "false")
	setEnvIfEmpty("WORKER_POLL_TIMEOUT", "1s")
	setEnvIfEmpty("SUBMISSION_RATE_PER_MINUTE", "600")
	setEnvIfEmpty("SUBMISSION_BURST", "100")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	err := dbConn.Exec(`TRUNCATE analysis_job_progress, analysis_job_documents, analysis_jobs,
		usage_ledger_entries, rollover_grants, usage_allowances CASCADE`).Error
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func tokenFor(t *testing.T, subject, orgID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    subject,
		"org_id": orgID,
		"role":   role,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(os.Getenv("AUTH_JWT_SECRET")))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func startSubscription(t *testing.T, orgID, plan string) {
	t.Helper()
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	applyEvent(t, map[string]any{
		"org_id":       orgID,
		"plan_code":    plan,
		"type":         "subscription_started",
		"effective_at": start,
		"period_end":   start.AddDate(0, 1, 0),
	})
}

func applyEvent(t *testing.T, event map[string]any) {
	t.Helper()
	billing := tokenFor(t, "billing", "", authctx.RoleBilling)
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/subscriptions/events", billing, event)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for subscription event, got %d: %s", resp.StatusCode, string(body))
	}
}

func submitJob(t *testing.T, token, name string, words int) (string, int64) {
	t.Helper()
	standard := strings.TrimSpace(strings.ReplaceAll(name, failMarker, ""))
	payload := map[string]any{
		"standard": standard,
		"documents": []map[string]any{
			{"name": name + ".pdf", "text": strings.Repeat("clause ", words)},
		},
		"word_count": 1,
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/jobs", token, payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202 for submit, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data struct {
			JobID snowflake.ID `json:"job_id"`
			Price int64        `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out.Data.JobID.String(), out.Data.Price
}

func runWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	handled, err := env.pool.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run worker: %v", err)
	}
	if !handled {
		t.Fatalf("expected a queued job")
	}
}

func getJob(t *testing.T, token, jobID string) jobView {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/jobs/"+jobID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for job, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data jobView `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return out.Data
}

func getRemaining(t *testing.T, token string) int64 {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/allowance", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for allowance, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data struct {
			Remaining int64 `json:"remaining"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode allowance: %v", err)
	}
	return out.Data.Remaining
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func doJSON(t *testing.T, method, reqURL, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, respBody
}
