package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/taskrunner/pkg/dispatcher"
	"github.com/morezero/taskrunner/pkg/pipeline"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const commsTestPrefix = "server:comms_test"

// startTestNATS starts an embedded server and returns a client connected to it.
func startTestNATS(t *testing.T, port int) (*commsserver.Server, *comms.Conn) {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", commsTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", commsTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - failed to connect: %v", commsTestPrefix, err)
	}
	t.Cleanup(nc.Close)
	return ns, nc
}

// wireResponse mirrors dispatcher.RunResponse with a raw result.
type wireResponse struct {
	ID     string                  `json:"id"`
	Ok     bool                    `json:"ok"`
	Result json.RawMessage         `json:"result"`
	Error  *dispatcher.ErrorDetail `json:"error"`
}

func requestTask(t *testing.T, nc *comms.Conn, subject string, payload []byte) wireResponse {
	t.Helper()
	msg, err := nc.Request(subject, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("%s - request failed: %v", commsTestPrefix, err)
	}
	var resp wireResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - invalid response %q: %v", commsTestPrefix, msg.Data, err)
	}
	return resp
}

func TestSubscribeTasks(t *testing.T) {
	_, nc := startTestNATS(t, 14250)

	runner := &fakeRunner{}
	s := testServer(t, runner)
	s.cfg.TaskSubject = "cap.test.tasks.run.v1"
	s.cfg.COMMSName = "taskrunner-test"

	sub, err := s.SubscribeTasks(context.Background(), nc)
	if err != nil {
		t.Fatalf("%s - SubscribeTasks failed: %v", commsTestPrefix, err)
	}
	defer sub.Unsubscribe()
	if sub.Queue != "taskrunner-test.workers" {
		t.Errorf("%s - queue = %q", commsTestPrefix, sub.Queue)
	}

	t.Run("success", func(t *testing.T) {
		runner.set(&pipeline.Result{ID: "run-7", Task: tasks.ParsedTask{TaskType: tasks.TypeSortContacts, Parameters: tasks.Parameters{}}}, nil)

		resp := requestTask(t, nc, s.cfg.TaskSubject, []byte(`{"id":"req-1","task":"sort_contacts"}`))
		if !resp.Ok || resp.ID != "req-1" || resp.Error != nil {
			t.Fatalf("%s - response = %+v", commsTestPrefix, resp)
		}
		var result RunResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("%s - invalid result: %v", commsTestPrefix, err)
		}
		if result.RunID != "run-7" || result.TaskInfo.TaskType != tasks.TypeSortContacts {
			t.Errorf("%s - result = %+v", commsTestPrefix, result)
		}
	})

	t.Run("id defaults to run id", func(t *testing.T) {
		resp := requestTask(t, nc, s.cfg.TaskSubject, []byte(`{"task":"sort_contacts"}`))
		if resp.ID != "run-7" {
			t.Errorf("%s - id = %q, want run-7", commsTestPrefix, resp.ID)
		}
	})

	t.Run("task error", func(t *testing.T) {
		runner.set(&pipeline.Result{ID: "run-8"}, taskerr.New(taskerr.CodeNotFound, "executor", "file not found: data/contacts.json"))

		resp := requestTask(t, nc, s.cfg.TaskSubject, []byte(`{"id":"req-2","task":"sort_contacts"}`))
		if resp.Ok || resp.Error == nil {
			t.Fatalf("%s - expected failure, got %+v", commsTestPrefix, resp)
		}
		if resp.Error.Code != taskerr.CodeNotFound || resp.Error.Retryable {
			t.Errorf("%s - error = %+v", commsTestPrefix, resp.Error)
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		calls := runner.calls()
		for _, payload := range []string{`not json`, `{"id":"req-3","task":""}`} {
			resp := requestTask(t, nc, s.cfg.TaskSubject, []byte(payload))
			if resp.Ok || resp.Error == nil || resp.Error.Code != taskerr.CodeValidation {
				t.Errorf("%s - payload %q: response = %+v", commsTestPrefix, payload, resp)
			}
		}
		if runner.calls() != calls {
			t.Errorf("%s - invalid payloads must not run", commsTestPrefix)
		}
	})
}
