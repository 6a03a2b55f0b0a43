package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/rpc"
)

// Server hosts the TCP socket pump: accept connections sequentially and
// run one RunStdio-equivalent loop per connection, each on its own
// goroutine. Ordering within a connection follows RunStdio; ordering
// across connections is unspecified.
type Server struct {
	listener net.Listener
	wg       sync.WaitGroup
}

// Listen binds a TCP listener on port. port=0 lets the OS pick a free port;
// Addr() reports the bound address afterward.
func Listen(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind listener: %w", err)
	}
	return &Server{listener: ln}, nil
}

// Addr returns the bound TCP address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Every accepted connection runs RunStdio against h itself, so all
// connections share h's session; no per-connection session is bound.
// When ctx is cancelled, open connections are closed and Serve waits for
// their loops to return before returning nil.
func (s *Server) Serve(ctx context.Context, h *rpc.Handler) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			connDone := make(chan struct{})
			defer close(connDone)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-connDone:
				}
			}()
			L_info("transport: connection accepted", "remote", conn.RemoteAddr())
			if err := RunStdio(ctx, h, conn, conn); err != nil {
				L_debug("transport: connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// Close stops accepting new connections; unless ctx is already cancelled,
// Serve then returns the Accept error. Open connections keep running until
// their client disconnects or Serve's ctx is cancelled.
func (s *Server) Close() error {
	return s.listener.Close()
}
