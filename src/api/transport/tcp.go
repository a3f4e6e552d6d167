package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

// pollInterval bounds how long accept and idle reads block before the exit
// channels are checked again.
const pollInterval = 500 * time.Millisecond

// frameTimeout bounds reading the rest of a frame once its first byte arrived.
const frameTimeout = 30 * time.Second

// TCPHandler serves framed requests. Each connection is handled by its own
// goroutine with one call in flight at a time; connections share the
// Handler, which must be safe for concurrent use.
type TCPHandler struct {
	address  string
	listener net.Listener
	handler  Handler
	coder    Coder
	exit     chan any

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	connLock sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
}

var _ TransportHandler = (*TCPHandler)(nil)

// TCPHandler generator function. Closing exit stops the handler just like
// Close does.
func NewTCPHandler(address string, handler Handler, exit chan any) *TCPHandler {
	logs.Debugf("NewTCPHandler(%s)", address)
	return &TCPHandler{
		address: address,
		handler: handler,
		exit:    exit,
		coder:   DefaultCoder{},
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen and accept connections via TCPHandler.listener
func (h *TCPHandler) ListenAndAccept() error {
	logs.Debugf("ListenAndAccept(%s)", h.address)
	var err error
	h.listener, err = net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}

	h.wg.Add(1)
	go h.acceptConnections()

	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (h *TCPHandler) Addr() string {
	if h.listener == nil {
		return h.address
	}
	return h.listener.Addr().String()
}

// Close stops the accept loop, closes open connections and waits for their
// goroutines to return. A call already in its handler finishes but its
// response is dropped.
func (h *TCPHandler) Close() error {
	logs.Debugf("Close(start)")
	h.closeOnce.Do(func() {
		close(h.done)
		h.connLock.Lock()
		h.closed = true
		for conn := range h.conns {
			conn.Close()
		}
		h.connLock.Unlock()
	})
	h.wg.Wait()
	logs.Debugf("Close(done)")
	return nil
}

func (h *TCPHandler) stopping() bool {
	select {
	case <-h.exit:
		return true
	case <-h.done:
		return true
	default:
		return false
	}
}

// listener accept loop
func (h *TCPHandler) acceptConnections() {
	logs.Debugf("acceptConnections(): start")
	defer h.wg.Done()
	defer h.listener.Close()
	for !h.stopping() {
		if tl, ok := h.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(pollInterval))
		}
		conn, err := h.listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			logs.Warnf("acceptConnections error: %s", err)
			return
		}
		if !h.track(conn) {
			conn.Close()
			break
		}
		h.wg.Add(1)
		go h.handleConnection(conn)
	}
	logs.Debugf("acceptConnections(): exit")
}

// listener connection handler
func (h *TCPHandler) handleConnection(conn net.Conn) {
	defer h.wg.Done()
	defer h.untrack(conn)
	defer conn.Close()
	clientAddr := conn.RemoteAddr().String()
	logs.Debugf("handleConnection(%s): start", clientAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := bufio.NewReader(conn)
	for !h.stopping() {
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		if _, err := reader.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				logs.Debugf("handleConnection(%s): closed by peer", clientAddr)
			} else {
				logs.Warnf("handleConnection(%s): read error: %v", clientAddr, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(frameTimeout))

		req, err := h.coder.Decode(reader)
		if err != nil {
			logs.Warnf("handleConnection(%s): decode error: %v", clientAddr, err)
			return
		}

		resp := h.dispatch(ctx, req)
		data, err := h.coder.Encode(resp)
		if err != nil {
			logs.Errorf(err, "handleConnection(%s): %s", clientAddr, req.Method)
			data, err = h.coder.Encode(&Message{Method: req.Method, ID: req.ID, Status: StatusError, Error: err.Error()})
			if err != nil {
				return
			}
		}
		if _, err := conn.Write(data); err != nil {
			logs.Warnf("handleConnection(%s): write error: %v", clientAddr, err)
			return
		}
	}
	logs.Debugf("handleConnection(%s): connection released", clientAddr)
}

func (h *TCPHandler) dispatch(ctx context.Context, req *Message) (resp *Message) {
	defer func() {
		if r := recover(); r != nil {
			logs.Warnf("dispatch(%s %s): panic: %v", req.Method, req.ID, r)
			resp = &Message{Status: StatusError, Error: fmt.Sprintf("internal error: %v", r)}
		}
		resp.Method = req.Method
		resp.ID = req.ID
	}()

	resp = h.handler.Handle(ctx, req)
	if resp == nil {
		resp = &Message{Status: StatusError, Error: "no response"}
	}
	return resp
}

// track registers conn for Close; false once the handler is closed.
func (h *TCPHandler) track(conn net.Conn) bool {
	h.connLock.Lock()
	defer h.connLock.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *TCPHandler) untrack(conn net.Conn) {
	h.connLock.Lock()
	delete(h.conns, conn)
	h.connLock.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
