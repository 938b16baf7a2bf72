package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/handler"
	"github.com/devrev/pairkv/internal/protocol"
)

// FrameHandler answers one client text frame
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame string) handler.Result
}

// TransferReceiver serves a peer transfer once a connection sends TRANSFER
type TransferReceiver interface {
	Receive(ctx context.Context, conn net.Conn, r *bufio.Reader) error
}

// TCPServer accepts client and peer connections and serves each on its own goroutine
type TCPServer struct {
	addr         string
	writeTimeout time.Duration
	handler      FrameHandler
	transfers    TransferReceiver
	logger       *zap.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// TCPServerConfig holds listener configuration
type TCPServerConfig struct {
	Host         string
	Port         int
	WriteTimeout time.Duration
}

// NewTCPServer creates a server; Start binds it
func NewTCPServer(cfg *TCPServerConfig, h FrameHandler, transfers TransferReceiver, logger *zap.Logger) *TCPServer {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		writeTimeout: writeTimeout,
		handler:      h,
		transfers:    transfers,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Listen binds the listener without accepting yet
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Start begins accepting, binding first if Listen was not called
func (s *TCPServer) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("Storage server listening", zap.String("addr", s.listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when the configured port is 0
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *TCPServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	reader := protocol.NewFrameReader(conn, 0)

	for {
		frame, err := reader.ReadFrame()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			if werr := s.reply(conn, protocol.Response{Status: protocol.StatusFailed, Value: "frame too large"}.String()); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		if frame == string(protocol.VerbTransfer) {
			if err := s.transfers.Receive(s.ctx, conn, reader.Buffered()); err != nil {
				s.logger.Warn("Transfer failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		result := s.handler.HandleFrame(s.ctx, frame)
		if err := s.reply(conn, result.Frame()); err != nil {
			s.logger.Debug("Connection write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

func (s *TCPServer) reply(conn net.Conn, frame string) error {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return protocol.WriteFrame(conn, frame)
}

// Stop closes the listener and every open connection, then waits for handlers
func (s *TCPServer) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Storage server stopped")
	return err
}
