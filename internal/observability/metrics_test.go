package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetricsOn(prometheus.NewRegistry())

	m.RecordLLMRequest("openai", "gpt-4", "success", 1.2, 120, 48)
	m.RecordLLMRequest("openai", "gpt-4", "error", 0.3, 0, 0)

	expected := `
		# HELP parley_llm_requests_total Total upstream LLM rounds by provider, model, and status
		# TYPE parley_llm_requests_total counter
		parley_llm_requests_total{model="gpt-4",provider="openai",status="error"} 1
		parley_llm_requests_total{model="gpt-4",provider="openai",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}

	tokens := `
		# HELP parley_llm_tokens_total Total tokens by provider, model, and type
		# TYPE parley_llm_tokens_total counter
		parley_llm_tokens_total{model="gpt-4",provider="openai",type="input"} 120
		parley_llm_tokens_total{model="gpt-4",provider="openai",type="output"} 48
	`
	if err := testutil.CollectAndCompare(m.LLMTokens, strings.NewReader(tokens)); err != nil {
		t.Errorf("unexpected token state: %v", err)
	}
}

func TestSessionGauge(t *testing.T) {
	m := NewMetricsOn(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetricsOn(prometheus.NewRegistry())

	m.RecordToolExecution("get_weather", "success", 0.2)
	m.RecordToolExecution("get_weather", "error", 30.0)

	if got := testutil.CollectAndCount(m.ToolExecutionCounter); got != 2 {
		t.Errorf("label combinations = %d, want 2", got)
	}
}
