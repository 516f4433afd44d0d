package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, reply string, failures *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": reply}},
			},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func fastClient(url string, ledger *Ledger) *Client {
	return NewClient(Config{
		BaseURL: url,
		Model:   "test-model",
		Timeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:       2,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 1,
			MaxBackoff:        time.Millisecond,
		},
	}, ledger)
}

func TestCompleteRetriesOnce(t *testing.T) {
	failures := int32(1)
	srv := chatServer(t, "hello", &failures)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	got, err := c.Complete(context.Background(), "test", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestCompleteSurfacesAfterRetries(t *testing.T) {
	failures := int32(10)
	srv := chatServer(t, "never", &failures)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	_, err := c.Complete(context.Background(), "test", "sys", "user")
	assert.Error(t, err)
}

func TestCompleteChargesLedger(t *testing.T) {
	srv := chatServer(t, "ok", nil)
	defer srv.Close()

	ledger := NewLedger(1000)
	c := fastClient(srv.URL, ledger)

	_, err := c.Complete(context.Background(), "decompose", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, 150, ledger.Spent())
}

func TestBudgetExhaustedBlocksCalls(t *testing.T) {
	srv := chatServer(t, "ok", nil)
	defer srv.Close()

	ledger := NewLedger(100)
	c := fastClient(srv.URL, ledger)

	_, err := c.Complete(context.Background(), "decompose", "sys", "user")
	require.NoError(t, err, "first call fits the budget")

	_, err = c.Complete(context.Background(), "decompose", "sys", "user")
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.True(t, ledger.Exhausted())
}

func TestDecomposeParsesFencedJSON(t *testing.T) {
	reply := "Here is the plan:\n```json\n" + `{"tasks":[
		{"description":"add handler","depends_on":[],"file_hints":[{"path":"lib/present.go","reason":"entry"}]},
		{"description":"wire routes","depends_on":[0]}
	]}` + "\n```"
	srv := chatServer(t, reply, nil)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	plan, err := c.Decompose(context.Background(), DecomposeRequest{
		Goal: &types.Goal{Title: "g", Description: "do it"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, []int{0}, plan.Tasks[1].DependsOn)
	assert.Equal(t, "lib/present.go", plan.Tasks[0].FileHints[0].Path)
}

func TestDecomposeRejectsEmptyPlan(t *testing.T) {
	srv := chatServer(t, `{"tasks":[]}`, nil)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	_, err := c.Decompose(context.Background(), DecomposeRequest{
		Goal: &types.Goal{Title: "g", Description: "do it"},
	})
	assert.Error(t, err)
}

func TestVerifyParsesVerdicts(t *testing.T) {
	srv := chatServer(t, `{"verdict":"fail","gaps":[{"description":"no tests","severity":"critical"}]}`, nil)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	verdict, err := c.Verify(context.Background(), VerifyRequest{
		Goal:           &types.Goal{Title: "g", Description: "do it"},
		ResultsSummary: "task 1 done",
	})
	require.NoError(t, err)
	assert.False(t, verdict.Pass())
	require.Len(t, verdict.Gaps, 1)
	assert.Equal(t, "critical", verdict.Gaps[0].Severity)
}

func TestVerifyRejectsUnknownVerdict(t *testing.T) {
	srv := chatServer(t, `{"verdict":"maybe"}`, nil)
	defer srv.Close()

	c := fastClient(srv.URL, nil)
	_, err := c.Verify(context.Background(), VerifyRequest{
		Goal: &types.Goal{Title: "g", Description: "d"},
	})
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                       `{"a":1}`,
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"Sure thing!\n\n{\"a\":1}\n\n":  `{"a":1}`,
		"```\n[1,2]\n```":               `[1,2]`,
	}
	for in, want := range cases {
		assert.Equal(t, want, extractJSON(in), in)
	}
}
