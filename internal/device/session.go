// Package device is the device end of the DFU link. It turns link packets
// into engine events and engine notices into link packets.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bigbag/papyrix-dfu/internal/engine"
	"github.com/bigbag/papyrix-dfu/internal/logging"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/slip"
)

const outboxSize = 256

// Session serves one link connection.
type Session struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger
	outbox chan *protocol.Packet

	mu      sync.Mutex
	status  byte
	outcome byte
}

// NewSession returns a session on conn. Pass its Notify method as the
// engine's notice callback before calling Serve.
func NewSession(conn io.ReadWriteCloser, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		conn:   conn,
		logger: logger,
		outbox: make(chan *protocol.Packet, outboxSize),
		status: protocol.StatusIdle,
	}
}

// Status returns the status code and outcome the session reports to the
// host.
func (s *Session) Status() (code, outcome byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.outcome
}

func (s *Session) setStatus(code, outcome byte) {
	s.mu.Lock()
	s.status, s.outcome = code, outcome
	s.mu.Unlock()
}

// Notify translates an engine notice into link packets. It never blocks
// the engine; when the host stops reading, packets are dropped and the
// host recovers them by re-sending Start or Validate.
func (s *Session) Notify(n engine.Notice) {
	switch n.Kind {
	case engine.NoticeRequest:
		s.setStatus(protocol.StatusReceiving, 0)
		s.send(protocol.NewResponse(protocol.CmdDataReq, protocol.DataReqData(n.Remaining, n.At)))
	case engine.NoticeTransferComplete:
		s.setStatus(protocol.StatusValidating, 0)
		s.send(protocol.NewResponse(protocol.CmdStatus, protocol.StatusData(protocol.StatusTransferComplete, 0)))
	case engine.NoticeValidated:
		s.setStatus(protocol.StatusValidated, 0)
		s.send(protocol.NewResponse(protocol.CmdStatus, protocol.StatusData(protocol.StatusValidated, 0)))
	case engine.NoticeAborted:
		s.setStatus(protocol.StatusAborted, 0)
		s.send(protocol.NewResponse(protocol.CmdStatus, protocol.StatusData(protocol.StatusAborted, 0)))
	case engine.NoticeFailed:
		kind := partition.KindOf(n.Err)
		s.setStatus(protocol.StatusFailed, byte(kind))
		msg := kind.String()
		if n.Err != nil {
			msg = n.Err.Error()
		}
		s.send(protocol.NewResponse(protocol.CmdError, protocol.ErrorData(uint16(kind), msg)))
	}
}

func (s *Session) send(p *protocol.Packet) {
	select {
	case s.outbox <- p:
	default:
		s.logger.Warn("outbox full, packet dropped", "packet", p.String())
	}
}

// statusOf maps an engine state to the status reported before any notice
// arrives.
func statusOf(st partition.State, err error) (byte, byte) {
	switch {
	case st == partition.StateErasingHeader || st == partition.StateErasingBank:
		return protocol.StatusBusy, 0
	case st.Receiving():
		return protocol.StatusReceiving, 0
	case st == partition.StateWaitForValidation || st == partition.StateHashCheck || st == partition.StateCopy:
		return protocol.StatusValidating, 0
	case st == partition.StateValidationComplete:
		return protocol.StatusValidated, 0
	case st == partition.StateAborting:
		return protocol.StatusAborted, 0
	case st == partition.StateError:
		return protocol.StatusFailed, byte(partition.KindOf(err))
	}
	return protocol.StatusIdle, 0
}

// Serve runs the engine and the link until ctx is done or the connection
// fails. The engine must already be initialized.
func (s *Session) Serve(ctx context.Context, eng *engine.Engine) error {
	s.setStatus(statusOf(eng.State(), eng.Err()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.readLoop(ctx, eng) })
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func (s *Session) writeLoop(ctx context.Context) error {
	w := slip.NewWriter(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-s.outbox:
			s.logger.Debug("send", "packet", p.String())
			if err := w.WriteFrame(p.Encode()); err != nil {
				return fmt.Errorf("device: write %s: %w", p, err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, eng *engine.Engine) error {
	r := slip.NewReader(s.conn, protocol.HeaderSize+protocol.MaxData)
	for {
		frame, err := r.ReadFrame()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, slip.ErrBadEscape) || errors.Is(err, slip.ErrFrameTooLarge):
			s.logger.Warn("bad frame dropped", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("device: read: %w", err)
		}

		p, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("bad packet dropped", "error", err)
			continue
		}
		if p.Dir != protocol.DirRequest {
			s.logger.Warn("response from host dropped", "packet", p.String())
			continue
		}
		if err := s.handle(ctx, eng, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("packet rejected", "packet", p.String(), "error", err)
			s.send(protocol.NewResponse(protocol.CmdError,
				protocol.ErrorData(uint16(partition.KindInternal), err.Error())))
		}
	}
}

func (s *Session) handle(ctx context.Context, eng *engine.Engine, p *protocol.Packet) error {
	s.logger.Debug("recv", "packet", p.String())
	switch p.Command {
	case protocol.CmdSync:
		s.send(protocol.NewResponse(protocol.CmdSync, protocol.SyncData()))
	case protocol.CmdStart:
		size, err := protocol.ParseStart(p.Data)
		if err != nil {
			return err
		}
		return eng.PostContext(ctx, engine.StartEvent{FileSize: size})
	case protocol.CmdData:
		complete, chunk, err := protocol.ParseData(p.Data)
		if err != nil {
			return err
		}
		return eng.PostContext(ctx, engine.ChunkEvent{Data: chunk, Complete: complete})
	case protocol.CmdValidate, protocol.CmdStatus:
		code, outcome := s.Status()
		s.send(protocol.NewResponse(protocol.CmdStatus, protocol.StatusData(code, outcome)))
	case protocol.CmdAbort:
		return eng.PostContext(ctx, engine.AbortEvent{})
	default:
		return fmt.Errorf("unsupported command %s", protocol.CommandName(p.Command))
	}
	return nil
}
