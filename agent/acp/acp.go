package acp

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/agent"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/transport"
	"github.com/plyght/amp-acp/translator"
)

// Run serves the Agent Client Protocol on conn until the client goes away
// or ctx is done.
// It handles:
// - initialize
// - authenticate
// - session/new
// - session/prompt (session/update notifications stream while it runs)
// - session/cancel (notification)
// - session/load and session/set_mode, both answered with an error
//
// Every request runs on its own goroutine so a prompt in progress never
// blocks a cancel. When the client closes the connection every live session
// is shut down and its session-ended notification flushed before Run
// returns.
func Run(ctx context.Context, bridge *agent.Bridge, conn transport.Conn) error {
	server := &acpServer{
		ctx:     ctx,
		bridge:  bridge,
		conn:    conn,
		log:     logx.Log.With().Str("component", "acp").Logger(),
		prompts: make(map[string]json.RawMessage),
	}
	defer server.shutdown()

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var payload []byte
		select {
		case <-ctx.Done():
			server.log.Debug().Msg("context done")
			return nil
		case err := <-readErr:
			if err == io.EOF {
				server.log.Debug().Msg("client closed the connection")
				return nil
			}
			// If framing is broken, there isn't a safe way to continue.
			return errors.Wrapf(err, "ACP read")
		case payload = <-msgs:
		}
		server.log.Trace().RawJSON("payload", payload).Msg("received")

		var req acp.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			server.log.Debug().Err(err).Msg("parse error")
			_ = server.writeResponseError(nil, acp.CodeParseError, "Parse error", nil)
			continue
		}

		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			server.dispatch(&req)
		}()
	}
}

// acpServer holds the state of one client connection.
type acpServer struct {
	ctx    context.Context
	bridge *agent.Bridge
	conn   transport.Conn
	log    zerolog.Logger
	wg     sync.WaitGroup

	mu sync.Mutex
	// prompts maps a session id to the id of its running session/prompt
	// request.
	prompts map[string]json.RawMessage
}

// answered is returned by a handler whose response was already written.
type answered struct{}

// handlerFunc answers one request. A nil error with a nil result still
// produces an empty object for requests.
type handlerFunc func(params json.RawMessage) (any, error)

func (s *acpServer) dispatch(req *acp.Request) {
	log := s.log.With().Str("method", req.Method).Logger()
	log.Debug().Bool("notification", req.IsNotification()).Msg("dispatching")

	var handle handlerFunc
	switch req.Method {
	case acp.MethodInitialize:
		handle = s.handleInitialize
	case acp.MethodAuthenticate:
		handle = s.handleAuthenticate
	case acp.MethodSessionNew:
		handle = s.handleSessionNew
	case acp.MethodSessionPrompt:
		handle = func(params json.RawMessage) (any, error) {
			return s.handleSessionPrompt(req.ID, params)
		}
	case acp.MethodSessionCancel:
		handle = s.handleSessionCancel
	case acp.MethodSessionLoad:
		handle = unsupported("session/load is not supported")
	case acp.MethodSessionSetMode:
		handle = unsupported("amp-acp has no session modes")
	default:
		if !req.IsNotification() {
			_ = s.writeResponseError(req.ID, acp.CodeMethodNotFound, "Method not found", req.Method)
		}
		return
	}

	result, err := handle(req.Params)
	if req.IsNotification() {
		if err != nil {
			log.Warn().Err(err).Msg("notification failed")
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("kind", errors.KindOf(err)).Msg("request failed")
		rpcErr := toRPCError(err)
		_ = s.writeResponseError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	switch result.(type) {
	case answered:
		return
	case nil:
		result = struct{}{}
	}
	_ = s.writeResponseOK(req.ID, result)
}

// writeResponseOK sends a successful JSON-RPC response with the given result
func (s *acpServer) writeResponseOK(id json.RawMessage, result any) error {
	return s.write(acp.Response{JSONRPC: acp.Version, ID: id, Result: result})
}

// writeResponseError sends a JSON-RPC error response with the specified error code and message
func (s *acpServer) writeResponseError(id json.RawMessage, code int, msg string, data any) error {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return s.write(acp.Response{
		JSONRPC: acp.Version,
		ID:      id,
		Error:   &acp.Error{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *acpServer) writeNotification(method string, params any) error {
	return s.write(acp.Notification{JSONRPC: acp.Version, Method: method, Params: params})
}

func (s *acpServer) write(msg any) error {
	if err := s.conn.WriteMessage(msg); err != nil {
		s.log.Error().Err(err).Msg("write failed")
		return err
	}
	return nil
}

// emit is the event sink handed to every session of this connection. It
// runs on the session goroutine, so a turn end answers the pending prompt
// before any later event of the session is written.
func (s *acpServer) emit(ev event.Event) {
	if p, ok := ev.Payload.(*event.TurnEnded); ok {
		if id, ok := s.takePrompt(ev.SessionID); ok && len(id) > 0 {
			_ = s.writeResponseOK(id, acp.PromptResult{StopReason: p.StopReason, Meta: &acp.Meta{Seq: ev.Seq}})
		}
		return
	}
	method, params, ok := translator.Notification(ev)
	if !ok {
		return
	}
	_ = s.writeNotification(method, params)
}

// shutdown ends every session and waits for in-flight handlers, so all
// session-ended notifications are written before the connection closes.
func (s *acpServer) shutdown() {
	if err := s.bridge.Shutdown(context.WithoutCancel(s.ctx)); err != nil {
		s.log.Warn().Err(err).Msg("shutdown")
	}
	s.wg.Wait()
	s.log.Debug().Msg("connection closed")
}

// ---- Handlers ----

// handleInitialize reports protocol version 1 and what the bridge accepts
// in prompts. Sessions cannot be loaded.
func (s *acpServer) handleInitialize(params json.RawMessage) (any, error) {
	var p acp.InitializeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProtocolVersion != acp.ProtocolVersion {
		s.log.Info().Int("client", p.ProtocolVersion).Int("agent", acp.ProtocolVersion).Msg("protocol version mismatch")
	}
	return acp.InitializeResult{
		ProtocolVersion: acp.ProtocolVersion,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: false,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           false,
				Audio:           false,
				EmbeddedContext: true,
			},
			MCPCapabilities: acp.MCPCapabilities{HTTP: true, SSE: true},
		},
		AuthMethods: s.bridge.AuthMethods(),
	}, nil
}

// handleAuthenticate re-validates the configured credential.
func (s *acpServer) handleAuthenticate(params json.RawMessage) (any, error) {
	var p acp.AuthenticateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.bridge.Authenticate(s.ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// handleSessionNew starts a session and returns its id.
func (s *acpServer) handleSessionNew(params json.RawMessage) (any, error) {
	var p acp.NewSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.bridge.NewSession(s.ctx, p.Cwd, p.MCPServers, s.emit)
	if err != nil {
		return nil, err
	}
	return acp.NewSessionResult{SessionID: sess.ID()}, nil
}

// handleSessionPrompt sends the prompt upstream and answers once the turn
// has ended. A turn that ends normally is answered by emit, carrying the
// sequence number of the turn end so the client's view of the event stream
// stays gap-free. Errors and cancelled turns are answered here.
func (s *acpServer) handleSessionPrompt(id json.RawMessage, params json.RawMessage) (any, error) {
	var p acp.PromptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, ok := s.bridge.Session(p.SessionID)
	if !ok {
		return nil, unknownSession(p.SessionID)
	}
	if !s.putPrompt(p.SessionID, id) {
		return nil, errors.Tag(errors.ErrInvalidState, nil, "a prompt turn is already running")
	}

	text := translator.PromptText(p.Prompt, sess.Paths())
	turn, err := sess.SendUserMessage(s.ctx, text)
	if _, mine := s.takePrompt(p.SessionID); !mine {
		return answered{}, nil
	}
	if err != nil {
		return nil, err
	}
	res := acp.PromptResult{StopReason: turn.StopReason}
	if turn.Seq > 0 {
		res.Meta = &acp.Meta{Seq: turn.Seq}
	}
	return res, nil
}

func (s *acpServer) putPrompt(sessionID string, id json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.prompts[sessionID]; busy {
		return false
	}
	s.prompts[sessionID] = id
	return true
}

// takePrompt removes the pending prompt of a session. Exactly one of emit
// and the prompt handler gets it.
func (s *acpServer) takePrompt(sessionID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.prompts[sessionID]
	delete(s.prompts, sessionID)
	return id, ok
}

// handleSessionCancel stops a session. Cancelling an unknown or finished
// session is a no-op.
func (s *acpServer) handleSessionCancel(params json.RawMessage) (any, error) {
	var p acp.CancelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if sess, ok := s.bridge.Session(p.SessionID); ok {
		sess.Cancel()
	}
	return nil, nil
}

func unsupported(msg string) handlerFunc {
	return func(json.RawMessage) (any, error) {
		return nil, &acp.Error{Code: acp.CodeInvalidRequest, Message: msg}
	}
}

// ---- Errors ----

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &acp.Error{Code: acp.CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func unknownSession(id string) error {
	return &acp.Error{Code: acp.CodeInvalidParams, Message: "Unknown session", Data: id}
}

// toRPCError maps an error onto the JSON-RPC error the client sees.
func toRPCError(err error) *acp.Error {
	var rpcErr *acp.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, errors.ErrAuth):
		return &acp.Error{Code: acp.CodeAuthRequired, Message: "Authentication required", Data: err.Error()}
	case errors.Is(err, errors.ErrInvalidState):
		return &acp.Error{Code: acp.CodeInvalidRequest, Message: "Invalid request", Data: err.Error()}
	case errors.Is(err, context.Canceled):
		return &acp.Error{Code: acp.CodeInternalError, Message: "Request cancelled", Data: err.Error()}
	default:
		return &acp.Error{Code: acp.CodeInternalError, Message: "Internal error", Data: err.Error()}
	}
}
