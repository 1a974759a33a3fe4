package session

import "context"

// ChatRequest is a single message addressed to a session's worker.
type ChatRequest struct {
	SessionID string
	Model     string
	Message   string
	Process   Process
}

// Responder produces the reply to a chat message. It is the seam where a
// real request/response protocol with the worker plugs in; implementations
// own their framing and must honour ctx for cancellation.
type Responder interface {
	Respond(ctx context.Context, req ChatRequest) (string, error)
}

// EchoResponder acknowledges messages without talking to the worker.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, req ChatRequest) (string, error) {
	return "CLI received: " + req.Message, nil
}
