//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// chatStub fakes an OpenAI-compatible chat completion backend. Requests are
// routed on the system prompt: diagnosis requests get the programmed
// diagnosis answers in order (the last one repeats), everything else gets the
// triage answer.
type chatStub struct {
	mu        sync.Mutex
	triage    string
	diagnoses []string
	nextDiag  int
	requests  int
}

func newChatStub() *chatStub {
	s := &chatStub{}
	s.reset()
	return s
}

// reset restores the stub's answers to a plain restart scenario.
func (s *chatStub) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triage = `{"issue_type": "pod_crash", "severity": "critical", "confidence": 0.92, "reasoning": "pods are crash looping"}`
	s.diagnoses = []string{
		`{"root_cause": "wedged process after config reload", "fix_action": "restart", "fixable": true, "confidence": 0.85, "reasoning": "restart clears the wedged state"}`,
	}
	s.nextDiag = 0
	s.requests = 0
}

// program replaces the stub's answers. Each diagnosis answer is served once,
// except the last which repeats for subsequent re-diagnoses.
func (s *chatStub) program(triage string, diagnoses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triage = triage
	s.diagnoses = diagnoses
	s.nextDiag = 0
	s.requests = 0
}

func (s *chatStub) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *chatStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.requests++
		content := s.triage
		if strings.Contains(string(body), "diagnostic agent") {
			content = s.diagnoses[s.nextDiag]
			if s.nextDiag < len(s.diagnoses)-1 {
				s.nextDiag++
			}
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-stub",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			}},
		})
	})
}

// sentMessage is one notification captured by the recording notifier.
type sentMessage struct {
	Subject string
	Text    string
}

// recordingNotifier captures outbound notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(_ context.Context, subject, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{Subject: subject, Text: text})
	return nil
}

// Sent returns a copy of the captured notifications.
func (n *recordingNotifier) Sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentMessage, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

// WaitFor blocks until at least count notifications arrived or the timeout
// expired, and reports whether the count was reached.
func (n *recordingNotifier) WaitFor(count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(n.Sent()) >= count {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return len(n.Sent()) >= count
}
