// Package linechan serves tool calls as newline-delimited JSON, one request
// line answered by one response line, strictly in order per connection.
package linechan

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

// DefaultMaxLineBytes bounds a single request line.
const DefaultMaxLineBytes = 1 << 20

// StdioClientID identifies the single caller of a stdio session.
const StdioClientID = "stdio"

// Server feeds decoded lines to the dispatcher.
type Server struct {
	dispatcher   usecase.ToolDispatcher
	maxLineBytes int
	logger       *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithMaxLineBytes sets the longest accepted request line.
func WithMaxLineBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// New creates a Server.
func New(dispatcher usecase.ToolDispatcher, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		dispatcher:   dispatcher,
		maxLineBytes: DefaultMaxLineBytes,
		logger:       logger.With("component", "linechan"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeConn answers requests from r on w until r is exhausted, ctx is done or a
// line cannot be decoded. A malformed line is answered with a validation
// error before the connection is given up. A clean end of input returns nil.
func (s *Server) ServeConn(ctx context.Context, r io.Reader, w io.Writer, clientID string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxLineBytes)), s.maxLineBytes)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	log := s.logger.With(slog.String("client_id", clientID))

	write := func(resp toolwire.Response) error {
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		return bw.Flush()
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := toolwire.Decode(line)
		if err != nil {
			log.Warn("Closing connection after undecodable line", slog.Any("error", err))
			if werr := write(toolwire.Response{ID: req.ID, Error: toolwire.ErrorFrom(err)}); werr != nil {
				return werr
			}
			return err
		}
		if req.ID == "" {
			req.ID = toolwire.ID(uuid.NewString())
		}

		var resp domain.ToolResponse
		dreq, err := req.ToDomain(clientID, "")
		if err != nil {
			resp = domain.NewErrorResponse(string(req.ID), err)
		} else {
			resp = s.dispatcher.Handle(ctx, dreq)
		}
		if err := write(toolwire.FromDomain(resp)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			verr := domain.NewValidationError(fmt.Sprintf("request line exceeds %d bytes", s.maxLineBytes))
			_ = write(toolwire.Response{Error: toolwire.ErrorFrom(verr)})
			return verr
		}
		return fmt.Errorf("failed to read request: %w", err)
	}
	return nil
}

// ServeStdio runs a single session on the given streams. It returns when the
// input ends or ctx is cancelled, whichever comes first. A session closed by
// a bad line or a broken stream is logged, not returned: the caller's input is
// never a reason for the process to fail.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("Serving line channel on stdio")
	done := make(chan error, 1)
	go func() { done <- s.ServeConn(ctx, in, out, StdioClientID) }()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("Stdio session closed", slog.Any("error", err))
		} else {
			s.logger.Info("Stdio input ended")
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Serve accepts connections on ln until ctx is cancelled, serving each in its
// own goroutine. Open connections are closed on shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Serving line channel", slog.String("address", ln.Addr().String()))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	clientID := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientID); err == nil {
		clientID = host
	}
	s.logger.Debug("Line channel connection opened", slog.String("client_id", clientID))
	if err := s.ServeConn(ctx, conn, conn, clientID); err != nil && ctx.Err() == nil {
		s.logger.Debug("Line channel connection ended", slog.String("client_id", clientID), slog.Any("error", err))
	}
}
