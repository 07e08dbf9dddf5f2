package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/taskrunner/internal/config"
	"github.com/morezero/taskrunner/pkg/events"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const e2eTestPrefix = "server:e2e_test"

const llmThursdayReply = `{"task_type": "count_weekday", "parameters": {"weekday": "thursday", "input_file": "/data/dates.txt", "output_file": "/data/thursdays.txt"}}`

// fakeGateway is a chat-completion endpoint returning a fixed reply.
type fakeGateway struct {
	mu    sync.Mutex
	auth  []string
	reply string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	g.mu.Lock()
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	reply := g.reply
	g.mu.Unlock()

	content, _ := json.Marshal(reply)
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":`+string(content)+`}}]}`)
}

func (g *fakeGateway) requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.auth...)
}

// e2eConfig returns a config with the LLM pointed at gatewayURL and no optional deps.
func e2eConfig(t *testing.T, gatewayURL string) *config.Config {
	t.Helper()
	return &config.Config{
		APIHost:            "127.0.0.1",
		APIPort:            8000,
		AIProxyToken:       "test-token",
		LLMAPIURL:          gatewayURL,
		LLMMaxAttempts:     1,
		LLMBaseTimeout:     5 * time.Second,
		LLMMaxTimeout:      5 * time.Second,
		RootDir:            t.TempDir(),
		AllowedDirs:        []string{"data", "logs", "temp"},
		ScriptTimeout:      10 * time.Second,
		DownloadTimeout:    5 * time.Second,
		PythonBin:          "python3",
		HelperTool:         "uv",
		CORSOrigins:        []string{"*"},
		COMMSName:          "taskrunner-e2e",
		TaskSubject:        "cap.e2e.tasks.run.v1",
		TaskEventSubject:   "e2e.tasks.completed",
		HealthCheckTimeout: 5 * time.Second,
	}
}

func writeDates(t *testing.T, root string) {
	t.Helper()
	// Two Wednesdays and one Thursday.
	dates := "2024-01-03\n2024/01/10\n04-Jan-2024\n"
	if err := os.WriteFile(filepath.Join(root, "data", "dates.txt"), []byte(dates), 0o644); err != nil {
		t.Fatalf("%s - write dates: %v", e2eTestPrefix, err)
	}
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("%s - read %s: %v", e2eTestPrefix, path, err)
	}
	return strings.TrimSpace(string(data))
}

func TestE2E_HTTPRunAndRead(t *testing.T) {
	gateway := &fakeGateway{reply: llmThursdayReply}
	gw := httptest.NewServer(gateway)
	defer gw.Close()

	cfg := e2eConfig(t, gw.URL)
	app, err := Build(context.Background(), cfg, BuildOptions{HTTP: gw.Client()})
	if err != nil {
		t.Fatalf("%s - Build failed: %v", e2eTestPrefix, err)
	}
	defer app.Close()
	writeDates(t, cfg.RootDir)

	srv := httptest.NewServer(New(cfg, app).Handler())
	defer srv.Close()

	// Keyword match: no LLM call.
	resp, err := http.Post(srv.URL+"/run?task=count_weekday", "application/json", nil)
	if err != nil {
		t.Fatalf("%s - POST /run failed: %v", e2eTestPrefix, err)
	}
	var run taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("%s - decode: %v", e2eTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || run.TaskInfo.TaskType != tasks.TypeCountWeekday || run.RunID == "" {
		t.Fatalf("%s - status %d, body %+v", e2eTestPrefix, resp.StatusCode, run)
	}
	if got := readOutput(t, filepath.Join(cfg.RootDir, "data", "dates-wednesdays.txt")); got != "2" {
		t.Errorf("%s - wednesdays = %q, want 2", e2eTestPrefix, got)
	}
	if n := len(gateway.requests()); n != 0 {
		t.Errorf("%s - gateway called %d times for a keyword match", e2eTestPrefix, n)
	}

	// LLM fallback.
	resp, err = http.Post(srv.URL+"/run", "application/json", strings.NewReader(`{"task":"How many Thursdays are in my dates file?"}`))
	if err != nil {
		t.Fatalf("%s - POST /run failed: %v", e2eTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s - fallback status = %d", e2eTestPrefix, resp.StatusCode)
	}
	if got := readOutput(t, filepath.Join(cfg.RootDir, "data", "thursdays.txt")); got != "1" {
		t.Errorf("%s - thursdays = %q, want 1", e2eTestPrefix, got)
	}
	if auth := gateway.requests(); len(auth) != 1 || auth[0] != "Bearer test-token" {
		t.Errorf("%s - gateway auth headers = %v", e2eTestPrefix, auth)
	}

	// Read the output back through the API.
	resp, err = http.Get(srv.URL + "/read?path=/data/thursdays.txt")
	if err != nil {
		t.Fatalf("%s - GET /read failed: %v", e2eTestPrefix, err)
	}
	var file fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		t.Fatalf("%s - decode: %v", e2eTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(file.Content) != "1" {
		t.Errorf("%s - read status %d, content %q", e2eTestPrefix, resp.StatusCode, file.Content)
	}

	// A missing input file fails the executing task, which is a server-side error.
	if err := os.Remove(filepath.Join(cfg.RootDir, "data", "dates.txt")); err != nil {
		t.Fatalf("%s - remove: %v", e2eTestPrefix, err)
	}
	resp, err = http.Post(srv.URL+"/run?task=count_weekday", "application/json", nil)
	if err != nil {
		t.Fatalf("%s - POST /run failed: %v", e2eTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("%s - missing input status = %d, want 500", e2eTestPrefix, resp.StatusCode)
	}
}

func TestE2E_CommsRunPublishesEvent(t *testing.T) {
	ns, client := startTestNATS(t, 14251)

	gw := httptest.NewServer(&fakeGateway{reply: llmThursdayReply})
	defer gw.Close()

	cfg := e2eConfig(t, gw.URL)
	cfg.COMMSURL = ns.ClientURL()
	app, err := Build(context.Background(), cfg, BuildOptions{HTTP: gw.Client()})
	if err != nil {
		t.Fatalf("%s - Build failed: %v", e2eTestPrefix, err)
	}
	defer app.Close()
	if app.NC == nil {
		t.Fatalf("%s - expected a COMMS connection", e2eTestPrefix)
	}
	writeDates(t, cfg.RootDir)

	eventsCh := make(chan *comms.Msg, 4)
	evSub, err := client.ChanSubscribe(cfg.TaskEventSubject+".>", eventsCh)
	if err != nil {
		t.Fatalf("%s - subscribe events: %v", e2eTestPrefix, err)
	}
	defer evSub.Unsubscribe()
	if err := client.Flush(); err != nil {
		t.Fatalf("%s - flush: %v", e2eTestPrefix, err)
	}

	s := New(cfg, app)
	sub, err := s.SubscribeTasks(context.Background(), app.NC)
	if err != nil {
		t.Fatalf("%s - SubscribeTasks failed: %v", e2eTestPrefix, err)
	}
	defer sub.Unsubscribe()
	if err := app.NC.Flush(); err != nil {
		t.Fatalf("%s - flush: %v", e2eTestPrefix, err)
	}

	resp := requestTask(t, client, cfg.TaskSubject, []byte(`{"id":"e2e-1","task":"count_weekday"}`))
	if !resp.Ok || resp.ID != "e2e-1" {
		t.Fatalf("%s - response = %+v", e2eTestPrefix, resp)
	}
	if got := readOutput(t, filepath.Join(cfg.RootDir, "data", "dates-wednesdays.txt")); got != "2" {
		t.Errorf("%s - wednesdays = %q, want 2", e2eTestPrefix, got)
	}

	select {
	case msg := <-eventsCh:
		if msg.Subject != cfg.TaskEventSubject+"."+tasks.TypeCountWeekday {
			t.Errorf("%s - event subject = %q", e2eTestPrefix, msg.Subject)
		}
		var ev events.TaskEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("%s - invalid event: %v", e2eTestPrefix, err)
		}
		if ev.Status != events.StatusSucceeded || ev.TaskType != tasks.TypeCountWeekday {
			t.Errorf("%s - event = %+v", e2eTestPrefix, ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - no completion event received", e2eTestPrefix)
	}

	h := s.Health(context.Background())
	if h.Status != "healthy" || h.Checks.Comms == nil || !*h.Checks.Comms {
		t.Errorf("%s - health = %+v", e2eTestPrefix, h)
	}
}
