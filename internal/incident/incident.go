// Package incident records failures and classifies them against the known
// ErrorPattern table so internal/recovery can pick a strategy without
// touching regexes or storage itself.
package incident

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListErrorPatterns(ctx context.Context) ([]model.ErrorPattern, error)
	RecordIncident(ctx context.Context, inc model.Incident) (int64, error)
	ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error)
}

// Analysis is the classification of one failure.
type Analysis struct {
	PatternID         *int64
	PatternName       string
	Category          model.ErrorCategory
	Confidence        float64 // 1.0 = pattern match, <1.0 = heuristic
	RecommendedAction model.RecoveryAction
	MaxRetries        int
	ErrorMessage      string
	MatchedRegex      string
}

// Classifier matches failure text against error_patterns, compiling and
// caching each row's regex once.
type Classifier struct {
	store Store

	mu       sync.Mutex
	compiled []compiledPattern
	loaded   bool
}

type compiledPattern struct {
	pattern model.ErrorPattern
	re      *regexp.Regexp
}

func NewClassifier(store Store) *Classifier {
	return &Classifier{store: store}
}

// Analyze matches errText against every known pattern (case-insensitive);
// the first match wins with confidence 1.0. No match falls back to a
// keyword heuristic with confidence < 1.0.
func (c *Classifier) Analyze(ctx context.Context, errText string) (Analysis, error) {
	patterns, err := c.load(ctx)
	if err != nil {
		return Analysis{}, err
	}

	for _, cp := range patterns {
		if cp.re == nil {
			continue
		}
		if cp.re.MatchString(errText) {
			id := cp.pattern.ID
			return Analysis{
				PatternID:         &id,
				PatternName:       cp.pattern.PatternName,
				Category:          cp.pattern.Category,
				Confidence:        1.0,
				RecommendedAction: cp.pattern.RecommendedAction,
				MaxRetries:        cp.pattern.MaxRetries,
				ErrorMessage:      errText,
				MatchedRegex:      cp.pattern.Regex,
			}, nil
		}
	}

	return heuristic(errText), nil
}

// heuristic classifies a failure with no matching ErrorPattern row. It never
// recommends an action directly; internal/recovery derives the action from
// the category.
func heuristic(errText string) Analysis {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "fatal"), strings.Contains(lower, "critical"):
		return Analysis{Category: model.ErrorSystem, Confidence: 0.4, ErrorMessage: errText}
	case strings.Contains(lower, "error"):
		return Analysis{Category: model.ErrorRetryable, Confidence: 0.5, ErrorMessage: errText, MaxRetries: 2}
	default:
		return Analysis{Category: model.ErrorUnknown, Confidence: 0.3, ErrorMessage: errText}
	}
}

func (c *Classifier) load(ctx context.Context) ([]compiledPattern, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.compiled, nil
	}

	patterns, err := c.store.ListErrorPatterns(ctx)
	if err != nil {
		return nil, err
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			// An unparseable regex in the table is skipped, never fatal —
			// the offending pattern just never matches.
			compiled = append(compiled, compiledPattern{pattern: p})
			continue
		}
		compiled = append(compiled, compiledPattern{pattern: p, re: re})
	}
	c.compiled = compiled
	c.loaded = true
	return compiled, nil
}

// Invalidate forces the next Analyze to reload error_patterns, so rows added
// after the first load are picked up. internal/recovery does not call it.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.compiled = nil
}

// Record persists an Incident row summarizing a classified failure and the
// recovery decision made for it.
func Record(ctx context.Context, store Store, projectID, taskID string, cat model.IncidentCategory, sev model.IncidentSeverity, analysis Analysis, resolution string) (int64, error) {
	return store.RecordIncident(ctx, model.Incident{
		ProjectID:  projectID,
		TaskID:     taskID,
		Category:   cat,
		Severity:   sev,
		PatternID:  analysis.PatternID,
		RootCause:  rootCause(analysis),
		Resolution: resolution,
	})
}

func rootCause(a Analysis) string {
	name := a.PatternName
	if name == "" {
		name = "heuristic"
	}
	return "pattern=" + name + " category=" + string(a.Category)
}
