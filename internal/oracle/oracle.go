// Package oracle asks a language model to analyze issues and plan fixes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

var (
	// ErrDisabled is returned by every call of a Disabled oracle.
	ErrDisabled = errors.New("analysis oracle disabled")
	// ErrMalformedResponse means the model answered with something unusable.
	ErrMalformedResponse = errors.New("malformed oracle response")
)

// Analysis is the answer to Analyze.
type Analysis struct {
	Analysis       string   `json:"analysis"`
	TechnicalAreas []string `json:"technical_areas"`
	CandidateFiles []string `json:"candidate_files"`
	Reasoning      string   `json:"reasoning"`
}

// Change is one proposed per-file change.
type Change struct {
	File        string `json:"file"`
	Type        string `json:"type"` // "modify" or "create"
	Description string `json:"description"`
}

// Plan is the answer to ProposePlan.
type Plan struct {
	RootCause          string   `json:"root_cause"`
	FixStrategy        string   `json:"fix_strategy"`
	Changes            []Change `json:"changes"`
	Risks              []string `json:"risks"`
	TestingSuggestions []string `json:"testing_suggestions"`
}

// Oracle is the analysis capability the stages consume.
type Oracle interface {
	Analyze(ctx context.Context, title, body string, files []string) (*Analysis, error)
	ProposePlan(ctx context.Context, title, body string, candidates []string, contents map[string]string) (*Plan, error)
	Rewrite(ctx context.Context, path, content, issue string, plan *Plan) (string, error)
}

// Completer sends one prompt to a model and returns its text answer.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// LLM implements Oracle on top of a Completer.
type LLM struct {
	completer Completer
	timeout   time.Duration
}

var _ Oracle = (*LLM)(nil)

// NewLLM wraps a completer. Every call is bounded by timeout.
func NewLLM(c Completer, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLM{completer: c, timeout: timeout}
}

// Analyze implements Oracle.
func (l *LLM) Analyze(ctx context.Context, title, body string, files []string) (*Analysis, error) {
	text, err := l.complete(ctx, analyzePrompt(title, body, files), 1000)
	if err != nil {
		return nil, err
	}
	a, err := extract[Analysis](text)
	if err != nil {
		return nil, err
	}
	a.CandidateFiles = cleanPaths(a.CandidateFiles)
	if len(a.CandidateFiles) == 0 {
		return nil, fmt.Errorf("%w: no candidate files", ErrMalformedResponse)
	}
	return &a, nil
}

// ProposePlan implements Oracle.
func (l *LLM) ProposePlan(ctx context.Context, title, body string, candidates []string, contents map[string]string) (*Plan, error) {
	text, err := l.complete(ctx, planPrompt(title, body, candidates, contents), 1500)
	if err != nil {
		return nil, err
	}
	p, err := extract[Plan](text)
	if err != nil {
		return nil, err
	}
	if p.RootCause == "" && p.FixStrategy == "" && len(p.Changes) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrMalformedResponse)
	}
	return &p, nil
}

// Rewrite implements Oracle. The answer must be the complete new file content.
func (l *LLM) Rewrite(ctx context.Context, path, content, issue string, plan *Plan) (string, error) {
	text, err := l.complete(ctx, rewritePrompt(path, content, issue, plan), 2000)
	if err != nil {
		return "", err
	}
	out := stripFence(text)
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty rewrite for %s", ErrMalformedResponse, path)
	}
	return out, nil
}

func (l *LLM) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	text, err := l.completer.Complete(ctx, prompt, maxTokens)
	log := clog.FromContext(ctx).With("backend", l.completer.Name(), "duration", time.Since(start))
	if err != nil {
		log.Warnf("Oracle call failed: %v", err)
		return "", fmt.Errorf("%s completion: %w", l.completer.Name(), err)
	}
	log.Debugf("Oracle returned %d bytes", len(text))
	return text, nil
}

func cleanPaths(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, p := range in {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Disabled is an Oracle that always fails, leaving stages on their fallbacks.
type Disabled struct{}

var _ Oracle = Disabled{}

// Analyze implements Oracle.
func (Disabled) Analyze(context.Context, string, string, []string) (*Analysis, error) {
	return nil, ErrDisabled
}

// ProposePlan implements Oracle.
func (Disabled) ProposePlan(context.Context, string, string, []string, map[string]string) (*Plan, error) {
	return nil, ErrDisabled
}

// Rewrite implements Oracle.
func (Disabled) Rewrite(context.Context, string, string, string, *Plan) (string, error) {
	return "", ErrDisabled
}
