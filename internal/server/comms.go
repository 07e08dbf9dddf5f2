package server

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/taskrunner/pkg/commsutil"
	"github.com/morezero/taskrunner/pkg/dispatcher"
	"github.com/morezero/taskrunner/pkg/pipeline"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const commsLogPrefix = "server:comms"

// RunResult is the Result payload of a successful COMMS task reply.
type RunResult struct {
	RunID    string           `json:"run_id"`
	TaskInfo tasks.ParsedTask `json:"task_info"`
}

// SubscribeTasks serves task requests on the configured subject. Instances share a
// queue group so each request is handled once.
func (s *Server) SubscribeTasks(ctx context.Context, nc *comms.Conn) (*comms.Subscription, error) {
	subject := s.cfg.TaskSubject
	group := commsutil.QueueGroup(s.cfg.COMMSName)
	sub, err := nc.QueueSubscribe(subject, group, func(msg *comms.Msg) {
		s.handleTaskMessage(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe: %w", commsLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s (queue %s)", commsLogPrefix, subject, group))
	return sub, nil
}

func (s *Server) handleTaskMessage(ctx context.Context, msg *comms.Msg) {
	resp := s.runTaskMessage(ctx, msg.Data)
	if err := commsutil.Reply(msg, resp); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", commsLogPrefix, err))
	}
}

func (s *Server) runTaskMessage(ctx context.Context, data []byte) *dispatcher.RunResponse {
	var req dispatcher.RunRequest
	if err := commsutil.DecodePayload(data, &req); err != nil {
		slog.Warn(fmt.Sprintf("%s - Invalid task request: %v", commsLogPrefix, err))
		return dispatcher.ErrorToResponse("", taskerr.Wrap(taskerr.CodeValidation, "comms", "invalid request payload", err))
	}
	if err := pipeline.ValidateDescription(req.Task); err != nil {
		return dispatcher.ErrorToResponse(req.ID, err)
	}

	res, err := s.runner.Run(ctx, req.Task)
	id := req.ID
	if id == "" && res != nil {
		id = res.ID
	}
	if err != nil {
		return dispatcher.ErrorToResponse(id, err)
	}
	return &dispatcher.RunResponse{
		ID:     id,
		Ok:     true,
		Result: RunResult{RunID: res.ID, TaskInfo: res.Task},
	}
}
