// Package ipc implements the local IPC listener: accepts one request per
// client invocation over a local-only endpoint (unix socket or named
// pipe), binds it to an engine Task, and drives the task's reply back over
// the same connection using HTTP/1.1 framing with a live goroutine per
// connection.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gomacc-proxy/gomaccd/internal/engine"
	"github.com/gomacc-proxy/gomaccd/internal/worker"
)

// ErrChunkedRejected is returned for a request that announces
// Transfer-Encoding: chunked instead of a Content-Length.
var ErrChunkedRejected = errors.New("ipc: chunked transfer encoding rejected")

// LocalTransport is the platform seam between a unix socket and a named
// pipe: uniform accept/close semantics, with peer-credential checking and
// framing specifics left to each concrete implementation (unixListener,
// namedPipeListener).
type LocalTransport interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() string
}

// Request is the decoded request envelope; the wire format is JSON over an HTTP/1.1
// body, opaque to everything downstream of the listener.
type Request struct {
	Cwd  string   `json:"cwd"`
	Argv []string `json:"argv"`
}

// wireResponse is the JSON body of the HTTP/1.1 reply.
type wireResponse struct {
	ExitCode    int      `json:"exit_code"`
	Stdout      []byte   `json:"stdout,omitempty"`
	Stderr      []byte   `json:"stderr,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Dispatcher hands an accepted request to the engine and returns a
// ReplySink the connection can later be driven through; it exists so
// handleConn doesn't need to know about engine.Task construction directly.
type Dispatcher interface {
	Dispatch(cwd string, argv []string, reply engine.ReplySink)
}

// EngineDispatcher adapts an *engine.Engine to Dispatcher by constructing
// and starting one Task per request.
type EngineDispatcher struct {
	Engine *engine.Engine
}

func (d EngineDispatcher) Dispatch(cwd string, argv []string, reply engine.ReplySink) {
	t := d.Engine.NewTask(cwd, argv, reply)
	d.Engine.Pool.RunClosure(func() { t.Start() }, worker.PriorityMedium)
}

// Server drives one LocalTransport's accept loop.
type Server struct {
	transport  LocalTransport
	dispatcher Dispatcher
	log        *logrus.Entry

	connSem chan struct{} // backpressure cap

	idleSuspended int32 // atomic: >0 means idle-shutdown accounting is suspended
	lastActivity  atomic.Value // time.Time

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer wires a Server over transport. connCap is the posix/named-pipe
// backpressure formula result (see ComputeConnCap/ComputeNamedPipeCap);
// zero or negative means unbounded.
func NewServer(transport LocalTransport, dispatcher Dispatcher, connCap int, log *logrus.Entry) *Server {
	s := &Server{
		transport:  transport,
		dispatcher: dispatcher,
		log:        log,
		quit:       make(chan struct{}),
	}
	if connCap > 0 {
		s.connSem = make(chan struct{}, connCap)
	}
	s.lastActivity.Store(time.Now())
	return s
}

// ComputeConnCap implements posix backpressure formula:
// max_total_fds/3 - worker_threads*2 - 2.
func ComputeConnCap(maxTotalFDs, workerThreads int) int {
	n := maxTotalFDs/3 - workerThreads*2 - 2
	if n < 1 {
		n = 1
	}
	return n
}

// ComputeNamedPipeCap implements named-pipe backpressure
// formula: each worker thread can attend FD_SETSIZE+overcommit-1 requests.
func ComputeNamedPipeCap(workerThreads, overcommit int) int {
	const fdSetSize = 64
	n := workerThreads * (fdSetSize + overcommit - 1)
	if n < 1 {
		n = 1
	}
	return n
}

// Serve runs the accept loop until Shutdown is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.transport.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.log.WithError(err).Error("ipc accept failed")
				continue
			}
		}
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			case <-s.quit:
				_ = conn.Close()
				return nil
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.markActive()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.log.WithError(err).Debug("ipc: malformed request")
		}
		return
	}
	if len(req.TransferEncoding) > 0 {
		s.respondErr(conn, ErrChunkedRejected)
		return
	}

	var wireReq Request
	if err := json.NewDecoder(req.Body).Decode(&wireReq); err != nil {
		s.respondErr(conn, errors.Wrap(err, "decode request envelope"))
		return
	}
	req.Body.Close()

	rc := newReplyConn(conn)
	s.dispatcher.Dispatch(wireReq.Cwd, wireReq.Argv, rc)

	select {
	case <-rc.replied:
	case <-rc.Closed():
	}
	s.markActive()
}

func (s *Server) respondErr(conn net.Conn, err error) {
	body, _ := json.Marshal(wireResponse{ExitCode: 1, Stderr: []byte(err.Error())})
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Length": {strconv.Itoa(len(body))}},
	}
	_ = resp.Write(conn)
}

// SuspendIdleCounter / ResumeIdleCounter let the daemon gate its own
// background idle-shutdown timer on request activity.
func (s *Server) SuspendIdleCounter() { atomic.AddInt32(&s.idleSuspended, 1) }
func (s *Server) ResumeIdleCounter()  { atomic.AddInt32(&s.idleSuspended, -1) }

func (s *Server) markActive() { s.lastActivity.Store(time.Now()) }

// IdleFor reports how long it has been since the last accepted request,
// or zero while idle-accounting is suspended.
func (s *Server) IdleFor() time.Duration {
	if atomic.LoadInt32(&s.idleSuspended) > 0 {
		return 0
	}
	last, _ := s.lastActivity.Load().(time.Time)
	return time.Since(last)
}

// Shutdown stops accepting new IPC connections and waits for in-flight
// ones to finish, bounded by ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	_ = s.transport.Close()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
