package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("active connections = %v", got)
	}
}

func TestMetrics_MessageCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.MessageReceived("data.message.send")
	m.MessageReceived("data.message.send")
	m.MessageSent("data.content.chunk")
	m.RateLimited("data.message.send")

	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("data.message.send", "inbound")); got != 2 {
		t.Errorf("inbound = %v", got)
	}
	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("data.content.chunk", "outbound")); got != 1 {
		t.Errorf("outbound = %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("data.message.send")); got != 1 {
		t.Errorf("rejections = %v", got)
	}
}

func TestMetrics_LLMAndTools(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("openai", "gpt-4o", "success", 1.2)
	m.RecordLLMRequest("openai", "gpt-4o", "error", 0.1)
	m.RecordToolExecution("search", "success", 0.05)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Errorf("llm success = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("search", "success")); got != 1 {
		t.Errorf("tool success = %v", got)
	}
}

func TestMetrics_BreakerAndErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetBreakerState("token-exchange", 1)
	m.RecordError("orchestrator", "INVALID_STATE")
	m.RecordItemPresentation("forced")

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("token-exchange")); got != 1 {
		t.Errorf("breaker state = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("orchestrator", "INVALID_STATE")); got != 1 {
		t.Errorf("errors = %v", got)
	}
}

func TestMetrics_NamesArePrefixed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ConnectionOpened()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "palaver_") {
			t.Errorf("metric %s lacks the palaver_ prefix", family.GetName())
		}
	}
}
