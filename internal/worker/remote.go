package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/memora/internal/config"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxEngineErrorBody = 4 << 10

type stepRequest struct {
	JobID     string                   `json:"job_id"`
	Standard  string                   `json:"standard"`
	Documents []pricingdomain.Document `json:"documents"`
	Outputs   map[string]string        `json:"outputs"`
}

type stepResponse struct {
	Output   string `json:"output"`
	Artifact string `json:"artifact"`
}

// RemoteEngine calls the external analysis engine, one HTTP request per step.
type RemoteEngine struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRemoteEngine(cfg config.EngineConfig) *RemoteEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *RemoteEngine) Steps(string) []Step {
	steps := make([]Step, 0, len(DefaultStepNames))
	for _, name := range DefaultStepNames {
		name := name
		steps = append(steps, Step{
			Name: name,
			Exec: func(ctx context.Context, run *Run) error { return e.call(ctx, name, run) },
		})
	}
	return steps
}

func (e *RemoteEngine) call(ctx context.Context, step string, run *Run) error {
	body, err := json.Marshal(stepRequest{
		JobID:     run.JobID.String(),
		Standard:  run.Standard,
		Documents: run.Documents,
		Outputs:   run.Outputs,
	})
	if err != nil {
		return err
	}

	endpoint := e.baseURL + "/v1/steps/" + url.PathEscape(step)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxEngineErrorBody))
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out stepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	if run.Outputs == nil {
		run.Outputs = map[string]string{}
	}
	run.Outputs[step] = out.Output
	if out.Artifact != "" {
		run.Artifact = out.Artifact
	}
	return nil
}
