// Package classifier maps free-text task descriptions to structured tasks, by keyword
// and, as a fallback, through the LLM gateway.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const (
	logPrefix = "classifier:classifier"
	stage     = "classifier"

	llmTemperature = 0.7
)

const llmPromptTemplate = `Analyze this task and extract key information in JSON format.
Task: %s

Return only a JSON object with the following structure:
{
    "task_type": "string",
    "parameters": {}
}
`

// Generator is the subset of the LLM client used for fallback classification.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// Classifier is safe for concurrent use; its rule table is fixed at construction.
type Classifier struct {
	rules []Rule
	llm   Generator
}

// New creates a Classifier. Rules are evaluated in the given order; the first match wins.
func New(gen Generator, rules []Rule) *Classifier {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Classifier{rules: copied, llm: gen}
}

// Parse classifies a task description.
func (c *Classifier) Parse(ctx context.Context, description string) (tasks.ParsedTask, error) {
	normalized := strings.ToLower(strings.TrimSpace(description))
	if normalized == "" {
		return tasks.ParsedTask{}, taskerr.New(taskerr.CodeValidation, stage, "task description is empty")
	}

	for _, rule := range c.rules {
		if !strings.Contains(normalized, rule.Keyword) {
			continue
		}
		params, err := rule.Build(normalized)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - Failed to parse task: %v", logPrefix, err))
			return tasks.ParsedTask{}, taskerr.Wrap(taskerr.CodeValidation, stage, "task parsing failed", err)
		}
		if params == nil {
			params = tasks.Parameters{}
		}
		slog.Debug(fmt.Sprintf("%s - Matched keyword %s", logPrefix, rule.Keyword))
		return tasks.ParsedTask{TaskType: rule.Keyword, Parameters: params}, nil
	}

	return c.parseWithLLM(ctx, normalized)
}

func (c *Classifier) parseWithLLM(ctx context.Context, description string) (tasks.ParsedTask, error) {
	if c.llm == nil {
		return tasks.ParsedTask{}, taskerr.New(taskerr.CodeClassification, stage, "no keyword matched and no LLM fallback configured")
	}
	slog.Info(fmt.Sprintf("%s - No keyword matched, falling back to LLM", logPrefix))

	reply, err := c.llm.Generate(ctx, fmt.Sprintf(llmPromptTemplate, description), llmTemperature)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - LLM parsing failed: %v", logPrefix, err))
		return tasks.ParsedTask{}, taskerr.Wrap(taskerr.CodeClassification, stage, "failed to parse task with LLM", err)
	}

	task, err := decodeLLMTask(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to parse LLM response: %v", logPrefix, err))
		return tasks.ParsedTask{}, taskerr.Wrap(taskerr.CodeClassification, stage, "invalid LLM response", err)
	}
	return task, nil
}

// decodeLLMTask strictly decodes {"task_type": string, "parameters": object}.
func decodeLLMTask(reply string) (tasks.ParsedTask, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &raw); err != nil {
		return tasks.ParsedTask{}, fmt.Errorf("invalid JSON: %w", err)
	}

	typeRaw, hasType := raw["task_type"]
	paramsRaw, hasParams := raw["parameters"]
	if !hasType || !hasParams {
		return tasks.ParsedTask{}, fmt.Errorf("task_type and parameters are required")
	}

	var taskType string
	if err := json.Unmarshal(typeRaw, &taskType); err != nil || strings.TrimSpace(taskType) == "" {
		return tasks.ParsedTask{}, fmt.Errorf("task_type must be a non-empty string")
	}

	var params tasks.Parameters
	if err := json.Unmarshal(paramsRaw, &params); err != nil || params == nil {
		return tasks.ParsedTask{}, fmt.Errorf("parameters must be an object")
	}

	return tasks.ParsedTask{TaskType: strings.TrimSpace(taskType), Parameters: params}, nil
}
