package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/kernel"
)

// Backend is the kernel surface the control server drives.
type Backend interface {
	SubmitDomainEvent(ctx context.Context, schema string, value []byte, eventID string) (journal.Seq, error)
	SubmitReceipt(ctx context.Context, receipt *effects.EffectReceipt) error
	Snapshot(ctx context.Context) (cas.Hash, journal.Seq, error)
	GetJournalHead() kernel.ReadMeta
	GetReducerState(ctx context.Context, module string, key []byte, c kernel.Consistency) (kernel.StateRead[[]byte], error)
}

// BlobPutter is the store surface for put-blob.
type BlobPutter interface {
	PutBlob(ctx context.Context, data []byte) (cas.Hash, error)
}

// Server serves control requests over a net.Listener. One goroutine per
// connection; requests within a connection are handled in order.
type Server struct {
	backend    Backend
	store      BlobPutter
	authSecret string
	logger     *slog.Logger
	onShutdown func()

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a control server. authSecret empty disables auth;
// onShutdown is invoked when a shutdown command is accepted.
func NewServer(backend Backend, store BlobPutter, authSecret string, onShutdown func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:    backend,
		store:      store,
		authSecret: authSecret,
		onShutdown: onShutdown,
		logger:     logger.With("component", "control"),
	}
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		var resp *Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse("", "bad_request", "request not decodable: "+err.Error())
		} else {
			resp = s.dispatch(ctx, &req)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("response encoding failed", "error", err)
			return
		}
		out = append(out, '\n')
		if _, err := writer.Write(out); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func errorResponse(id, code, message string) *Response {
	return &Response{ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}

func okResponse(id string, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, "internal", err.Error())
	}
	return &Response{ID: id, OK: true, Result: raw}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.V != ProtocolVersion {
		return errorResponse(req.ID, "bad_request", "unsupported protocol version")
	}
	if s.authSecret != "" {
		if err := VerifyToken(s.authSecret, req.Token); err != nil {
			return errorResponse(req.ID, "unauthorized", err.Error())
		}
	}

	switch req.Cmd {
	case CmdJournalHead:
		meta := s.backend.GetJournalHead()
		return okResponse(req.ID, map[string]interface{}{
			"journal_height": meta.JournalHeight,
			"manifest_hash":  meta.ManifestHash.String(),
		})

	case CmdPutBlob:
		var payload struct {
			Bytes []byte `json:"bytes"`
		}
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorResponse(req.ID, "bad_request", err.Error())
		}
		h, err := s.store.PutBlob(ctx, payload.Bytes)
		if err != nil {
			return errorResponse(req.ID, string(kernel.CodeOf(err)), err.Error())
		}
		return okResponse(req.ID, map[string]string{"hash": h.String()})

	case CmdSnapshot:
		blobHash, seq, err := s.backend.Snapshot(ctx)
		if err != nil {
			return errorResponse(req.ID, string(kernel.CodeOf(err)), err.Error())
		}
		return okResponse(req.ID, map[string]interface{}{
			"snapshot_hash": blobHash.String(),
			"marker_seq":    seq,
		})

	case CmdSubmitEvent:
		var payload struct {
			Schema  string `json:"schema"`
			Value   []byte `json:"value"`
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorResponse(req.ID, "bad_request", err.Error())
		}
		seq, err := s.backend.SubmitDomainEvent(ctx, payload.Schema, payload.Value, payload.EventID)
		if err != nil {
			return errorResponse(req.ID, string(kernel.CodeOf(err)), err.Error())
		}
		return okResponse(req.ID, map[string]uint64{"seq": seq})

	case CmdSubmitReceipt:
		var receipt effects.EffectReceipt
		if err := json.Unmarshal(req.Payload, &receipt); err != nil {
			return errorResponse(req.ID, "bad_request", err.Error())
		}
		if err := s.backend.SubmitReceipt(ctx, &receipt); err != nil {
			return errorResponse(req.ID, string(kernel.CodeOf(err)), err.Error())
		}
		return okResponse(req.ID, map[string]bool{"accepted": true})

	case CmdGetState:
		var payload struct {
			Module string `json:"module"`
			Key    []byte `json:"key"`
		}
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorResponse(req.ID, "bad_request", err.Error())
		}
		read, err := s.backend.GetReducerState(ctx, payload.Module, payload.Key,
			kernel.Consistency{Level: kernel.Head})
		if err != nil {
			return errorResponse(req.ID, string(kernel.CodeOf(err)), err.Error())
		}
		return okResponse(req.ID, map[string]interface{}{
			"state":          read.Value,
			"journal_height": read.Meta.JournalHeight,
		})

	case CmdShutdown:
		if s.onShutdown != nil {
			// Run async so the response reaches the client first.
			go s.onShutdown()
		}
		return okResponse(req.ID, map[string]bool{"stopping": true})

	default:
		return errorResponse(req.ID, "bad_request", "unknown command "+req.Cmd)
	}
}
