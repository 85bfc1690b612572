package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/shared"
)

// selectorResponseSchema validates what comes back from the selector
// process. Anything outside this shape is treated as no selection.
const selectorResponseSchema = `{
  "type": "object",
  "properties": {
    "candidate_id": {"type": "integer", "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["candidate_id"],
  "additionalProperties": true
}`

// selectorRequest is the image-free prompt: the selector sees labels, grid
// cells and regions of interest, never pixels.
type selectorRequest struct {
	Channel     string      `json:"channel"`
	AppName     string      `json:"app_name"`
	Destination string      `json:"destination"`
	Objective   string      `json:"objective"`
	Display     Display     `json:"display"`
	Candidates  []Candidate `json:"candidates"`
}

type selectorResponse struct {
	CandidateID int     `json:"candidate_id"`
	Confidence  float64 `json:"confidence"`
}

// Selector asks an external vision-language process to pick a Set-of-Mark
// candidate. It speaks JSON over either a spawned command's stdio or an HTTP
// endpoint; the command transport wins when both are configured.
type Selector struct {
	cfg    config.SelectorConfig
	schema *jsonschema.Schema
	client *http.Client
	logger *slog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, payload []byte) ([]byte, error)
}

func NewSelector(cfg config.SelectorConfig, logger *slog.Logger) (*Selector, error) {
	schema, err := shared.CompileSchema("selector-response", []byte(selectorResponseSchema))
	if err != nil {
		return nil, err
	}
	s := &Selector{
		cfg:    cfg,
		schema: schema,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		logger: logger,
	}
	s.runCommand = s.execCommand
	return s, nil
}

// Configured reports whether any transport is set up.
func (s *Selector) Configured() bool {
	return s.cfg.Command != "" || s.cfg.Endpoint != ""
}

// Timeout is the per-call deadline.
func (s *Selector) Timeout() time.Duration {
	return time.Duration(s.cfg.TimeoutMs) * time.Millisecond
}

// Select asks for a candidate pick. It returns the chosen candidate id and
// the number of calls spent, up to budget. A retry narrows the candidate
// window to the top half by confidence so the second prompt is easier, not
// identical. Zero id means unresolved.
func (s *Selector) Select(ctx context.Context, intent Intent, screen ScreenState, candidates []Candidate, budget int) (int, int) {
	if !s.Configured() || len(candidates) == 0 || budget <= 0 {
		return 0, 0
	}
	window := candidates
	calls := 0
	for attempt := 0; attempt < budget; attempt++ {
		calls++
		id, err := s.selectOnce(ctx, intent, screen, window)
		if err == nil && validCandidate(window, id) {
			return id, calls
		}
		if err != nil {
			s.logger.Warn("selector call failed", "attempt", attempt+1, "error", err)
		} else {
			s.logger.Warn("selector picked unknown candidate", "attempt", attempt+1, "candidate_id", id)
		}
		window = shrinkWindow(window)
		if len(window) == 0 {
			break
		}
	}
	return 0, calls
}

func (s *Selector) selectOnce(ctx context.Context, intent Intent, screen ScreenState, candidates []Candidate) (int, error) {
	req := selectorRequest{
		Channel:     intent.Channel,
		AppName:     intent.AppName,
		Destination: intent.Destination,
		Objective:   "pick the candidate to click to deliver the message",
		Display:     screen.Display,
		Candidates:  candidates,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal selector request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	var raw []byte
	if s.cfg.Command != "" {
		raw, err = s.runCommand(callCtx, payload)
	} else {
		raw, err = s.postEndpoint(callCtx, payload)
	}
	if err != nil {
		return 0, err
	}
	if err := shared.ValidateJSON(s.schema, raw); err != nil {
		return 0, err
	}
	var resp selectorResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode selector response: %w", err)
	}
	return resp.CandidateID, nil
}

func (s *Selector) execCommand(ctx context.Context, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("selector command: %w", err)
	}
	return out, nil
}

func (s *Selector) postEndpoint(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build selector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("selector endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("selector endpoint status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read selector response: %w", err)
	}
	return buf.Bytes(), nil
}

func validCandidate(candidates []Candidate, id int) bool {
	if id <= 0 {
		return false
	}
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// shrinkWindow keeps the higher-confidence half of the candidates, labeled
// ones preferred, so a retry prompts over a smaller set.
func shrinkWindow(candidates []Candidate) []Candidate {
	if len(candidates) <= 1 {
		return nil
	}
	labeled := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Label != "" {
			labeled = append(labeled, c)
		}
	}
	pool := candidates
	if len(labeled) > 0 {
		pool = labeled
	}
	ranked := make([]Candidate, len(pool))
	copy(ranked, pool)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Confidence > ranked[j].Confidence })
	half := (len(ranked) + 1) / 2
	if half == len(candidates) {
		half = len(candidates) / 2
	}
	if half == 0 {
		return nil
	}
	return ranked[:half]
}
