package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/domain"
)

const triageSystemPrompt = `You are a site reliability triage agent. Classify production alerts.

SEVERITY LEVELS:
- critical: system down, immediate action needed
- warning: degraded performance, needs attention
- info: informational, monitor only
- none: no action needed

ISSUE TYPES:
- high_cpu: CPU usage above threshold
- high_memory: memory usage above threshold
- high_error_rate: error rate above threshold
- pod_crash: pod crash looping
- unknown: cannot classify

Respond with a single JSON object and nothing else:
{"issue_type": "...", "severity": "...", "confidence": 0.0, "reasoning": "..."}`

const diagnosisSystemPrompt = `You are a site reliability diagnostic agent performing root cause analysis.

Based on the triage result and live Kubernetes data, determine the root cause
and pick exactly one fix action:
- restart: crash loops, memory leaks, wedged processes
- rollback: regressions after a recent deploy, elevated error rates
- scale: capacity problems, sustained high CPU under load
- escalate: unclear root cause, not safe to fix automatically

Set "fixable" to false when a human needs to take over.

Respond with a single JSON object and nothing else:
{"root_cause": "...", "fix_action": "...", "fixable": true, "confidence": 0.0, "reasoning": "..."}`

func buildTriagePrompt(issue domain.Issue) string {
	data, _ := json.MarshalIndent(issue, "", "  ")
	return fmt.Sprintf("ALERT DATA:\n%s\n\nClassify this alert.", data)
}

func buildDiagnosisPrompt(issue domain.Issue, triage domain.TriageJudgment, snap *cluster.Snapshot) string {
	triageData, _ := json.MarshalIndent(triage, "", "  ")
	return fmt.Sprintf("ALERT: %s\n\nTRIAGE RESULT:\n%s\n\nKUBERNETES DATA:\n%s\nDetermine the root cause and the fix action.",
		issue.Title, triageData, formatSnapshot(snap))
}

// formatSnapshot renders cluster state as prompt text. Output is
// deterministic for a given snapshot.
func formatSnapshot(snap *cluster.Snapshot) string {
	var b strings.Builder

	b.WriteString("POD STATUS:\n")
	if len(snap.Pods) == 0 {
		b.WriteString("- no pods found\n")
	}
	for _, p := range snap.Pods {
		fmt.Fprintf(&b, "- %s phase=%s ready=%d/%d restarts=%d", p.Name, p.Phase, p.ReadyContainers, p.TotalContainers, p.Restarts)
		if p.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", p.Reason)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nRECENT EVENTS (newest first):\n")
	if len(snap.Events) == 0 {
		b.WriteString("- none\n")
	}
	for _, e := range snap.Events {
		fmt.Fprintf(&b, "- [%s] %s %s/%s: %s (count=%d, last seen %s)\n",
			e.Type, e.Reason, e.ObjectKind, e.ObjectName, e.Message, e.Count,
			e.LastSeenAt.UTC().Format(time.RFC3339))
	}

	for _, note := range snap.Notes {
		fmt.Fprintf(&b, "\nNOTE: %s\n", note)
	}
	return b.String()
}
