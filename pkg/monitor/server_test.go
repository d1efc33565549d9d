package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
)

type fakeController struct {
	mu      sync.Mutex
	stops   int
	resumes int
	homes   int
}

func (c *fakeController) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"processing": false,
		"stop_cause": "ok",
		"position":   []float64{5.0, 5.0, 0.0},
	}
}

func (c *fakeController) RequestStop() { c.mu.Lock(); c.stops++; c.mu.Unlock() }
func (c *fakeController) Resume()      { c.mu.Lock(); c.resumes++; c.mu.Unlock() }
func (c *fakeController) Home() error  { c.mu.Lock(); c.homes++; c.mu.Unlock(); return nil }

func (c *fakeController) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops, c.resumes, c.homes
}

func newTestServer(t *testing.T, ctrl *fakeController, reg *metrics.Registry) (*Server, *httptest.Server) {
	t.Helper()
	logger := log.New("monitor-test")
	logger.SetWriter(io.Discard)
	s := New(Config{
		Controller:        ctrl,
		Registry:          reg,
		BroadcastInterval: 10 * time.Millisecond,
		Logger:            logger,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func decodeResult(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl, nil)

	resp, err := http.Get(ts.URL + "/board/status")
	if err != nil {
		t.Fatalf("GET /board/status: %v", err)
	}
	body := decodeResult(t, resp)
	result, ok := body["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result object in %v", body)
	}
	if result["stop_cause"] != "ok" {
		t.Errorf("stop_cause = %v, want ok", result["stop_cause"])
	}
}

func TestControlEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl, nil)

	for _, path := range []string{"/board/stop", "/board/resume", "/board/home"} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("POST %s status = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()

		// Control must be POST-only.
		resp, err = http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	stops, resumes, homes := ctrl.counts()
	if stops != 1 || resumes != 1 || homes != 1 {
		t.Errorf("controller calls = %d/%d/%d, want 1/1/1", stops, resumes, homes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	board := metrics.NewBoard(reg)
	board.StepsEmitted.Add(metrics.Labels{"axis": "x"}, 42)

	_, ts := newTestServer(t, &fakeController{}, reg)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(data), "driveboard_steps_emitted_total") {
		t.Errorf("metrics output missing step counter:\n%s", data)
	}
}

func TestWebSocketStatusPush(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read status push: %v", err)
	}
	if msg["method"] != "notify_status" {
		t.Errorf("method = %v, want notify_status", msg["method"])
	}
	params, ok := msg["params"].([]any)
	if !ok || len(params) != 2 {
		t.Fatalf("params = %v, want [status, eventtime]", msg["params"])
	}
	status, ok := params[0].(map[string]any)
	if !ok || status["stop_cause"] != "ok" {
		t.Errorf("status payload = %v", params[0])
	}
}
