package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// readDeadline bounds the command read so a wedged client cannot hold a
// connection open indefinitely. Handling itself is not bounded here; a stop
// with save retries may legitimately outlive any fixed deadline.
const readDeadline = 5 * time.Second

// Handler processes one session command.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve answers owner-socket clients until context cancellation or listener
// close. Each connection carries exactly one command.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept session command: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, handler)
		}(conn)
	}
}

// serveConn decodes one command, dispatches it, and writes the response.
func serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		reply(conn, Response{OK: false, Error: fmt.Sprintf("decode command: %v", err)})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	reply(conn, handler.Handle(ctx, req))
}

func reply(conn net.Conn, resp Response) {
	_ = json.NewEncoder(conn).Encode(resp)
}
