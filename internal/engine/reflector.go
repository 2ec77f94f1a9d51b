package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// ─── Reflector ───

// DefaultReflectInterval is how many steps pass between LLM reflections
// when no rule fires.
const DefaultReflectInterval = 5

const (
	identicalActionThreshold = 3
	stalledScreenThreshold   = 3
	subtaskStepThreshold     = 10
)

// Reflector judges trajectory quality after each step. Cheap rules run
// first; the trajectory reflector tool is only consulted every interval
// steps when the rules see nothing wrong.
type Reflector struct {
	inv      tools.Invoker
	logger   *zap.SugaredLogger
	interval int

	recentActions []string
	recentHashes  []string
	sinceLLM      int
}

// NewReflector builds a reflector. interval <= 0 selects the default.
func NewReflector(inv tools.Invoker, interval int, logger *zap.SugaredLogger) *Reflector {
	if interval <= 0 {
		interval = DefaultReflectInterval
	}
	return &Reflector{inv: inv, logger: logger, interval: interval}
}

// ReflectInput is the trajectory context for one checkpoint.
type ReflectInput struct {
	Instruction    string
	Subtask        task.Subtask
	ActionJSON     []byte
	Screenshot     []byte
	StepsOnSubtask int
}

// Reflect records the step and returns a quality judgment. It never fails:
// tool-layer errors downgrade to the rule result with a recorded issue.
func (r *Reflector) Reflect(ctx context.Context, in ReflectInput) *task.QualityReport {
	r.track(in)

	if rep := r.ruleCheck(in); rep != nil {
		return rep
	}

	r.sinceLLM++
	if r.sinceLLM < r.interval {
		return report(task.QualityGood, task.RecommendContinue, 1.0)
	}
	r.sinceLLM = 0

	res, err := r.inv.Invoke(ctx, tools.Call{
		Tool:  tools.TrajReflector,
		Text:  r.composeMessage(in),
		Image: in.Screenshot,
	})
	if err != nil {
		rep := report(task.QualityGood, task.RecommendContinue, 0.8)
		var te *tools.ToolError
		if errors.As(err, &te) && te.Kind == task.KindToolBudgetExhausted {
			rep.Issues = append(rep.Issues, "reflection skipped: tool budget exhausted")
		} else {
			rep.Issues = append(rep.Issues, "reflection skipped: "+err.Error())
		}
		r.logger.Warnw("Trajectory reflection unavailable, continuing on rules", "error", err)
		return rep
	}
	return parseReflection(res.Text)
}

// track appends the step to the bounded trajectory windows.
func (r *Reflector) track(in ReflectInput) {
	r.recentActions = append(r.recentActions, string(in.ActionJSON))
	if len(r.recentActions) > identicalActionThreshold {
		r.recentActions = r.recentActions[len(r.recentActions)-identicalActionThreshold:]
	}
	if len(in.Screenshot) > 0 {
		sum := sha256.Sum256(in.Screenshot)
		r.recentHashes = append(r.recentHashes, hex.EncodeToString(sum[:]))
		if len(r.recentHashes) > stalledScreenThreshold {
			r.recentHashes = r.recentHashes[len(r.recentHashes)-stalledScreenThreshold:]
		}
	}
}

func (r *Reflector) ruleCheck(in ReflectInput) *task.QualityReport {
	if allEqual(r.recentActions, identicalActionThreshold) {
		rep := report(task.QualityConcerning, task.RecommendAdjust, 1.0)
		rep.Issues = append(rep.Issues,
			fmt.Sprintf("last %d actions are identical", identicalActionThreshold))
		return rep
	}
	if in.StepsOnSubtask > subtaskStepThreshold {
		rep := report(task.QualityConcerning, task.RecommendReplan, 1.0)
		rep.Issues = append(rep.Issues,
			fmt.Sprintf("%d steps on subtask %q without completion", in.StepsOnSubtask, in.Subtask.Name))
		return rep
	}
	if allEqual(r.recentHashes, stalledScreenThreshold) {
		rep := report(task.QualityConcerning, task.RecommendContinue, 1.0)
		rep.Issues = append(rep.Issues,
			fmt.Sprintf("screen unchanged for %d consecutive steps", stalledScreenThreshold))
		return rep
	}
	return nil
}

func allEqual(window []string, need int) bool {
	if len(window) < need {
		return false
	}
	for _, v := range window[1:] {
		if v != window[0] {
			return false
		}
	}
	return true
}

func (r *Reflector) composeMessage(in ReflectInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instruction: %s\nCurrent subtask: %s\n", in.Instruction, in.Subtask.Name)
	sb.WriteString("Recent actions:\n")
	for _, a := range r.recentActions {
		fmt.Fprintf(&sb, "- %s\n", a)
	}
	sb.WriteString("Judge the trajectory: reply with GOOD, CONCERNING or CRITICAL " +
		"and a recommendation of CONTINUE, ADJUST or REPLAN, with a short reason.")
	return sb.String()
}

// parseReflection reads the status and recommendation keywords out of a
// free-form reply. When both are missing the trajectory is presumed fine.
func parseReflection(text string) *task.QualityReport {
	upper := strings.ToUpper(text)

	status := ""
	switch {
	case strings.Contains(upper, "CRITICAL"):
		status = task.QualityCritical
	case strings.Contains(upper, "CONCERNING"):
		status = task.QualityConcerning
	case strings.Contains(upper, "GOOD"):
		status = task.QualityGood
	}

	recommendation := ""
	switch {
	case strings.Contains(upper, "REPLAN"):
		recommendation = task.RecommendReplan
	case strings.Contains(upper, "ADJUST"):
		recommendation = task.RecommendAdjust
	case strings.Contains(upper, "CONTINUE"):
		recommendation = task.RecommendContinue
	}

	if status == "" && recommendation == "" {
		return report(task.QualityGood, task.RecommendContinue, 0.8)
	}
	if status == "" {
		status = task.QualityConcerning
	}
	if recommendation == "" {
		recommendation = task.RecommendContinue
	}

	rep := report(status, recommendation, 1.0)
	if line := firstLine(text); line != "" {
		rep.Suggestions = append(rep.Suggestions, line)
	}
	return rep
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func report(status, recommendation string, confidence float64) *task.QualityReport {
	return &task.QualityReport{
		Status:         status,
		Recommendation: recommendation,
		Confidence:     confidence,
		Timestamp:      time.Now(),
	}
}
