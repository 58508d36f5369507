package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/pkg/apperr"
	"webpilot/pkg/logg"
	"webpilot/pkg/tracing"
)

const (
	oracleClientName = "PlanningOracle"
	oracleTracer     = "oracle.client"
)

const (
	messagesEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	toolSubmitPlan = "submit_plan"
	toolCannotPlan = "cannot_plan"

	maxHTTPRetries = 3
)

// Client asks the model for an ordered step plan. The model never drives
// the browser; it only ever sees outcome history and a page summary, and
// only ever answers with a plan or a refusal.
type Client struct {
	config     *config.OracleConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	httpClient *http.Client
	endpoint   string
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewClient(params Params) *Client {
	return &Client{
		config:     params.Config.OracleConfig,
		logger:     params.Logger.With(zap.String(logg.Layer, oracleClientName)),
		tracer:     otel.Tracer(oracleTracer),
		httpClient: &http.Client{},
		endpoint:   messagesEndpoint,
	}
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Tools     []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type claudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type claudeResponse struct {
	Content []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text,omitempty"`
		Name  string                 `json:"name,omitempty"`
		Input map[string]interface{} `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// BuildPlan requests a fresh plan for the objective. History and the page
// summary give the model the evidence from the run so far; revision 0 is
// the initial plan, anything above is a replan.
func (c *Client) BuildPlan(ctx context.Context, objective string, history []entity.StepOutcome, pageSummary string, revision int) (plan *entity.Plan, err error) {
	const op = "BuildPlan"
	logger := c.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op,
		attribute.Int("revision", revision),
		attribute.Int("history_len", len(history)))
	defer func() {
		step.End(err)
	}()

	logger.Debug("Requesting plan",
		zap.Int(logg.Revision, revision),
		zap.Int("history_len", len(history)))

	reqBody := claudeRequest{
		Model:     c.config.Model,
		MaxTokens: c.config.MaxTokens,
		System:    systemPrompt,
		Messages: []claudeMessage{
			{Role: "user", Content: buildPrompt(objective, history, pageSummary, revision)},
		},
		Tools: planTools(),
	}

	step.AddEvent("marshaling request")

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "marshal_failed",
			apperr.MetaStage:  apperr.StagePlanning,
		})
	}

	step.AddEvent("sending HTTP request")

	body, err := c.send(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	step.AddEvent("unmarshaling response")

	var claudeResp claudeResponse

	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "unmarshal_failed",
			apperr.MetaStage:  apperr.StagePlanning,
		})
	}

	step.AddEvent("parsing response")

	plan, err = c.parsePlan(&claudeResp, objective, revision)
	if err != nil {
		return nil, err
	}

	logger.Info("Plan received",
		zap.Int(logg.Revision, plan.Revision),
		zap.Int("steps", len(plan.Steps)))

	return plan, nil
}

// send posts the request, retrying 429 and 5xx responses with exponential
// backoff up to the retry budget.
func (c *Client) send(ctx context.Context, jsonData []byte) ([]byte, error) {
	const op = "send"

	var body []byte

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
		if err != nil {
			return backoff.Permanent(apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "request_create_failed",
				apperr.MetaStage:  apperr.StagePlanning,
			}))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.config.APIKey)
		req.Header.Set("anthropic-version", apiVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.Wrap(op, apperr.CodeTransient, err, map[string]any{
				apperr.MetaReason: "http_request_failed",
				apperr.MetaStage:  apperr.StagePlanning,
			})
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return apperr.Wrap(op, apperr.CodeTransient, err, map[string]any{
				apperr.MetaReason: "read_body_failed",
				apperr.MetaStage:  apperr.StagePlanning,
			})
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return apperr.Wrap(op, apperr.CodeTransient,
				fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)), map[string]any{
					apperr.MetaReason: "api_error",
					apperr.MetaStage:  apperr.StagePlanning,
					"status_code":     resp.StatusCode,
				})
		}

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(apperr.Wrap(op, apperr.CodeNonTransient,
				fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)), map[string]any{
					apperr.MetaReason: "api_error",
					apperr.MetaStage:  apperr.StagePlanning,
					"status_code":     resp.StatusCode,
				}))
		}

		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxHTTPRetries), ctx)

	if err := backoff.Retry(attempt, bo); err != nil {
		return nil, err
	}

	return body, nil
}

const systemPrompt = `You are a web automation planner. You are given an objective, ` +
	`the history of steps already attempted, and a summary of the current page. ` +
	`Produce an ordered plan of atomic browser steps using the submit_plan tool. ` +
	`Each step targets one element by its visible text, label, role or placeholder; ` +
	`never invent CSS selectors. If after repeated failures no viable plan exists, ` +
	`call cannot_plan with a short reason. If the objective is already achieved, ` +
	`submit an empty step list.`

// buildPrompt renders the planning request: history first, then the page,
// then the ask.
func buildPrompt(objective string, history []entity.StepOutcome, pageSummary string, revision int) string {
	var sb strings.Builder

	sb.WriteString("Objective: " + objective + "\n\n")

	if len(history) > 0 {
		sb.WriteString("History so far:\n")

		for _, outcome := range history {
			sb.WriteString(fmt.Sprintf("- step %d (%s): ", outcome.StepIndex, outcome.Action))

			if outcome.Status == entity.StepSucceeded {
				sb.WriteString("Success")
			} else {
				sb.WriteString("Failed: " + outcome.Reason)
			}

			sb.WriteString("\n")
		}

		sb.WriteString("\n")
	}

	if pageSummary != "" {
		sb.WriteString(pageSummary + "\n\n")
	}

	if revision == 0 {
		sb.WriteString("Produce the initial plan.")
	} else {
		sb.WriteString(fmt.Sprintf("The previous plan failed. Produce revised plan %d, "+
			"accounting for the failures above.", revision))
	}

	return sb.String()
}

func planTools() []claudeTool {
	stepSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{
				"type": "string",
			},
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{
					string(entity.ActionNavigate),
					string(entity.ActionClick),
					string(entity.ActionType),
					string(entity.ActionSelectOption),
					string(entity.ActionWaitForVisible),
					string(entity.ActionScrollIntoView),
					string(entity.ActionPressKey),
				},
			},
			"exact_text": map[string]interface{}{
				"type": "string",
			},
			"fuzzy_text": map[string]interface{}{
				"type": "string",
			},
			"role": map[string]interface{}{
				"type": "string",
			},
			"label": map[string]interface{}{
				"type": "string",
			},
			"placeholder": map[string]interface{}{
				"type": "string",
			},
			"nth": map[string]interface{}{
				"type":        "integer",
				"description": "One-based pick among ranked matches; 0 or absent keeps the best match",
			},
			"payload": map[string]interface{}{
				"type":        "string",
				"description": "URL for navigate, text for type, option label for select_option, key name for press_key",
			},
			"postcondition_kind": map[string]interface{}{
				"type": "string",
				"enum": []string{
					string(entity.ConditionPageContainsText),
					string(entity.ConditionURLChanges),
					string(entity.ConditionElementAppears),
				},
			},
			"postcondition_value": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"description", "action"},
	}

	return []claudeTool{
		{
			Name:        toolSubmitPlan,
			Description: "Submit the ordered step plan. An empty steps list means the objective is already achieved.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"steps": map[string]interface{}{
						"type":  "array",
						"items": stepSchema,
					},
				},
				"required": []string{"steps"},
			},
		},
		{
			Name:        toolCannotPlan,
			Description: "Declare that no viable plan exists for this objective.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{
						"type": "string",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}

func (c *Client) parsePlan(resp *claudeResponse, objective string, revision int) (*entity.Plan, error) {
	const op = "parsePlan"

	for _, content := range resp.Content {
		if content.Type != "tool_use" {
			continue
		}

		switch content.Name {
		case toolCannotPlan:
			reason, _ := content.Input["reason"].(string)

			return nil, apperr.Wrap(op, apperr.CodePlanExhausted,
				fmt.Errorf("planner refused: %s", reason), map[string]any{
					apperr.MetaReason: "cannot_plan",
					apperr.MetaStage:  apperr.StagePlanning,
				})

		case toolSubmitPlan:
			return parseSteps(content.Input, objective, revision)
		}
	}

	return nil, apperr.WrapErrorWithReason(op, apperr.CodeNonTransient,
		"model answered without a plan tool call")
}

func parseSteps(input map[string]interface{}, objective string, revision int) (*entity.Plan, error) {
	const op = "parseSteps"

	rawSteps, ok := input["steps"].([]interface{})
	if !ok {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeNonTransient, "plan payload missing steps")
	}

	plan := &entity.Plan{
		Objective: objective,
		Revision:  revision,
		Steps:     make([]entity.PlanStep, 0, len(rawSteps)),
	}

	for i, raw := range rawSteps {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		step := entity.PlanStep{
			Index:       i,
			Description: stringField(fields, "description"),
			Target: entity.TargetSpec{
				Action:      entity.ActionKind(stringField(fields, "action")),
				ExactText:   stringField(fields, "exact_text"),
				FuzzyText:   stringField(fields, "fuzzy_text"),
				Role:        stringField(fields, "role"),
				Label:       stringField(fields, "label"),
				Placeholder: stringField(fields, "placeholder"),
				Nth:         intField(fields, "nth"),
				Payload:     stringField(fields, "payload"),
			},
		}

		if kind := stringField(fields, "postcondition_kind"); kind != "" {
			step.Postcondition = &entity.Condition{
				Kind:  entity.ConditionKind(kind),
				Value: stringField(fields, "postcondition_value"),
			}
		}

		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}

	return ""
}

func intField(fields map[string]interface{}, key string) int {
	if v, ok := fields[key].(float64); ok {
		return int(v)
	}

	return 0
}
