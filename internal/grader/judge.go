package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jkaninda/jenga/internal/llm"
)

const (
	maxJudgeFiles     = 40
	maxJudgeFileBytes = 16 << 10 // 16 KB per file
	maxLogTailBytes   = 8 << 10
)

// Source file extensions the judge reads. Everything else is skipped.
var judgeExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".json": true, ".css": true, ".html": true, ".md": true,
}

// Dependency and build output trees the judge never reads.
var judgeSkipDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	".git":         true,
	"dist":         true,
}

// Score is the judge's verdict on one criterion.
type Score struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// Evaluation is the complete judged outcome.
type Evaluation struct {
	Scores []Score `json:"scores"`
	Total  float64 `json:"total"`
	Max    float64 `json:"max"`
}

// Judge scores a workspace against a rubric using an LLM.
type Judge struct {
	provider llm.Provider
	rubric   *Rubric
	logger   *slog.Logger
}

// NewJudge creates a rubric judge.
func NewJudge(provider llm.Provider, rubric *Rubric, logger *slog.Logger) *Judge {
	return &Judge{provider: provider, rubric: rubric, logger: logger}
}

// Evaluate collects the workspace sources and the agent log tail, asks the
// model for per-criterion scores and returns the weighted total.
func (j *Judge) Evaluate(ctx context.Context, workspaceDir, agentLogPath string) (*Evaluation, error) {
	sources, err := collectSources(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("collecting sources: %w", err)
	}
	if sources == "" {
		return nil, fmt.Errorf("workspace %s has no judgeable sources", workspaceDir)
	}

	logTail := readTail(agentLogPath, maxLogTailBytes)

	resp, err := j.provider.Complete(ctx, &llm.Request{
		System:    judgeSystemPrompt,
		Messages:  []llm.Message{llm.UserText(j.buildPrompt(sources, logTail))},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("judge model call: %w", err)
	}

	eval, err := j.parseEvaluation(resp.Text())
	if err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}

	j.logger.Info("rubric evaluation completed",
		slog.Float64("total", eval.Total),
		slog.Float64("max", eval.Max),
		slog.Int("criteria", len(eval.Scores)),
	)
	return eval, nil
}

const judgeSystemPrompt = `You are a strict code reviewer grading a generated web application.
Score each rubric criterion from 0 (absent or broken) to 10 (excellent).
Respond with JSON only, no prose, in the form:
{"scores":[{"criterion":"<name>","score":<0-10>,"reason":"<one sentence>"}]}`

func (j *Judge) buildPrompt(sources, logTail string) string {
	var b strings.Builder
	b.WriteString("Rubric criteria:\n")
	for _, c := range j.rubric.Criteria {
		fmt.Fprintf(&b, "- %s (weight %.1f): %s\n", c.Name, c.Weight, c.Description)
	}
	b.WriteString("\nProject sources:\n")
	b.WriteString(sources)
	if logTail != "" {
		b.WriteString("\nAgent activity log (tail):\n")
		b.WriteString(logTail)
	}
	return b.String()
}

// parseEvaluation decodes the model's JSON, tolerating markdown fences,
// drops scores for unknown criteria, clamps to [0, 10] and applies weights.
func (j *Judge) parseEvaluation(raw string) (*Evaluation, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var decoded struct {
		Scores []Score `json:"scores"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Scores) == 0 {
		return nil, fmt.Errorf("response contains no scores")
	}

	eval := &Evaluation{Max: j.rubric.MaxScore()}
	for _, s := range decoded.Scores {
		c := j.rubric.Find(s.Criterion)
		if c == nil {
			j.logger.Warn("judge scored unknown criterion", slog.String("criterion", s.Criterion))
			continue
		}
		if s.Score < 0 {
			s.Score = 0
		}
		if s.Score > 10 {
			s.Score = 10
		}
		eval.Scores = append(eval.Scores, s)
		eval.Total += s.Score * c.Weight
	}
	if len(eval.Scores) == 0 {
		return nil, fmt.Errorf("no scores matched the rubric")
	}
	return eval, nil
}

// extractJSON returns the outermost {...} object in raw, stripping any
// markdown code fences around it.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// collectSources walks the workspace and concatenates the judgeable files,
// bounded in count and per-file size, in deterministic order.
func collectSources(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if judgeSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if judgeExtensions[filepath.Ext(d.Name())] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)
	if len(files) > maxJudgeFiles {
		files = files[:maxJudgeFiles]
	}

	var b strings.Builder
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxJudgeFileBytes {
			data = data[:maxJudgeFileBytes]
		}
		rel, _ := filepath.Rel(root, path)
		fmt.Fprintf(&b, "--- %s ---\n%s\n", rel, data)
	}
	return b.String(), nil
}

// readTail returns up to n trailing bytes of the file, "" when unreadable.
func readTail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return string(data)
}
