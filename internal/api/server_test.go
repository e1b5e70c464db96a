package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/rulestore"
	"github.com/nugget/sentryd/internal/runtimestore"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	rules, err := rulestore.NewStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("rulestore.NewStore() error = %v", err)
	}
	t.Cleanup(func() { rules.Close() })

	runtime, err := runtimestore.NewStore(filepath.Join(t.TempDir(), "runtime.db"))
	if err != nil {
		t.Fatalf("runtimestore.NewStore() error = %v", err)
	}
	t.Cleanup(func() { runtime.Close() })

	s := NewServer("", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Rules = rules
	s.Runtime = runtime

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/rules", s.handleRuleList)
	mux.HandleFunc("POST /v1/rules", s.handleRuleUpsert)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleRuleGet)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleRuleDelete)
	mux.HandleFunc("POST /v1/rules/{id}/simulate", s.handleRuleSimulate)
	mux.HandleFunc("GET /v1/suspended_rules", s.handleSuspendedList)
	mux.HandleFunc("POST /v1/suspended_rules/{id}/clear", s.handleSuspendedClear)

	return s, httptest.NewServer(mux)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRuleUpsertGetListDelete(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(ruleRequest{
		Name: "front door open while armed away",
		When: &condeval.Node{
			Op:       condeval.OpEntityState,
			EntityID: "binary_sensor.front_door",
			Equals:   strPtr("on"),
		},
		Then: nil,
	})
	resp, err := http.Post(ts.URL+"/v1/rules", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/rules error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var created struct {
		ID string `json:"ID"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	if created.ID == "" {
		t.Fatal("expected non-empty rule id")
	}

	getResp, err := http.Get(ts.URL + "/v1/rules/" + created.ID)
	if err != nil {
		t.Fatalf("GET /v1/rules/{id} error = %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/v1/rules")
	if err != nil {
		t.Fatalf("GET /v1/rules error = %v", err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Count int `json:"count"`
	}
	json.NewDecoder(listResp.Body).Decode(&listed)
	if listed.Count != 1 {
		t.Fatalf("count = %d, want 1", listed.Count)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/rules/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/rules/{id} error = %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", delResp.StatusCode)
	}
}

func TestRuleGet_UnknownIDReturns404(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/rules/does-not-exist")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRuleSimulate_ReturnsMatchedAndTrace(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(ruleRequest{
		Name: "garage open",
		When: &condeval.Node{Op: condeval.OpEntityState, EntityID: "binary_sensor.garage_door", Equals: strPtr("on")},
	})
	resp, _ := http.Post(ts.URL+"/v1/rules", "application/json", bytes.NewReader(body))
	var created struct {
		ID string `json:"ID"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	simBody, _ := json.Marshal(simulateRequest{EntityStates: map[string]string{"binary_sensor.garage_door": "on"}})
	simResp, err := http.Post(ts.URL+"/v1/rules/"+created.ID+"/simulate", "application/json", bytes.NewReader(simBody))
	if err != nil {
		t.Fatalf("POST simulate error = %v", err)
	}
	defer simResp.Body.Close()
	var sim simulateResponse
	json.NewDecoder(simResp.Body).Decode(&sim)
	if !sim.Matched {
		t.Fatalf("sim = %+v, want matched=true", sim)
	}
}

func TestSuspendedRules_ClearUnknownReturns404(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/suspended_rules/no-such-rule/clear", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func strPtr(s string) *string { return &s }
