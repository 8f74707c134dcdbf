// Package server implements the TCP accept loop and per-connection
// read/dispatch/write cycle, plus the sideband HTTP /health and /metrics
// endpoints that share the same listener socket.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"

	"go.uber.org/zap"

	"rangedb/internal/dispatcher"
	"rangedb/internal/metrics"
	"rangedb/internal/protocol"
)

type Server struct {
	addr     string
	listener net.Listener
	disp     *dispatcher.Dispatcher
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	healthEnabled  bool
	metricsEnabled bool
}

func New(addr string, disp *dispatcher.Dispatcher, logger *zap.SugaredLogger, m *metrics.Metrics, healthEnabled, metricsEnabled bool) *Server {
	return &Server{
		addr:           addr,
		disp:           disp,
		logger:         logger,
		metrics:        m,
		healthEnabled:  healthEnabled,
		metricsEnabled: metricsEnabled,
	}
}

// Serve accepts connections without bound, spawning one goroutine per
// connection, until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Infow("listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.metrics.ActiveConnections.Inc()
		go s.handleConn(ctx, conn)
	}
}

// Close stops the accept loop by closing the listener; connections
// already accepted finish their in-flight request.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

const httpPrefixLen = 13 // len("GET /metrics "); longer than len("GET /health ")

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.metrics.ActiveConnections.Dec()

	br := bufio.NewReader(conn)
	peek, err := br.Peek(httpPrefixLen)
	if err == nil {
		if bytes.HasPrefix(peek, []byte("GET /health ")) {
			s.serveHTTP(conn, br, "/health")
			return
		}
		if bytes.HasPrefix(peek, []byte("GET /metrics ")) {
			s.serveHTTP(conn, br, "/metrics")
			return
		}
	}

	framer := protocol.NewFramer(struct {
		io.Reader
		io.Writer
	}{br, conn})

	for {
		req, err := framer.ReadRequest()
		if err != nil {
			if err != io.EOF {
				s.logger.Warnw("malformed request frame, closing connection", "error", err, "remote", conn.RemoteAddr())
			}
			return
		}

		resp := s.disp.Dispatch(ctx, req)

		b, _ := json.Marshal(resp)
		s.metrics.ResponseSpeedBytes.Add(float64(len(b) + 1))

		if err := framer.WriteResponse(resp); err != nil {
			s.logger.Warnw("failed to write response, closing connection", "error", err, "remote", conn.RemoteAddr())
			return
		}
	}
}

// serveHTTP handles a single-shot HTTP/1.1 request for /health or
// /metrics on the same socket, bridging to net/http's
// ResponseWriter machinery via httptest so the metrics handler can be
// reused verbatim.
func (s *Server) serveHTTP(conn net.Conn, br *bufio.Reader, path string) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	rec := httptest.NewRecorder()
	switch path {
	case "/health":
		if !s.healthEnabled {
			rec.WriteHeader(http.StatusNotFound)
		} else {
			rec.Header().Set("Content-Type", "text/plain")
			rec.WriteString("OK")
		}
	case "/metrics":
		if !s.metricsEnabled {
			rec.WriteHeader(http.StatusNotFound)
		} else {
			s.metrics.Handler().ServeHTTP(rec, req)
		}
	}

	// rec.Result() snapshots headers as they stand at call time, and
	// (*http.Response).Write falls back to close-delimited framing
	// without a Content-Length, so it must be set from the recorded
	// body before Result() is taken.
	rec.Header().Set("Content-Length", strconv.Itoa(rec.Body.Len()))
	rec.Result().Write(conn)
}
