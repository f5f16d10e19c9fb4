// Package agent carries reload commands into a running process and the
// rendered results back out.
//
// The server listens on a TCP or unix socket inside the host process. Each
// request is one text line and gets exactly one JSON line back. Requests
// from all connections go through a single worker and run one at a time,
// which is what keeps concurrent reloads of the same symbol apart.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"livepatch/internal/command"
	"livepatch/internal/logging"
	"livepatch/internal/reload"
	"livepatch/internal/symtab"
)

// Response is the reply to one request line.
type Response struct {
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
	Kind string `json:"kind,omitempty"`
	Text string `json:"text"`
}

// Response kinds besides the reload outcome kinds.
const (
	KindUsage = "usage"
	KindList  = "list"
	KindHelp  = "help"
)

// HelpText lists the commands the agent understands.
const HelpText = `commands:
  reload   recompile and install one function or method
  list     show the registered patchable symbols
  help     show this text

` + command.Usage

// Options configures a Server.
type Options struct {
	Network string // "tcp" or "unix"
	Addr    string
	Render  reload.RenderOptions
	// QueueSize bounds requests waiting for the worker.
	QueueSize int
}

type job struct {
	id    string
	line  string
	reply chan Response
}

// Server is the in-process command endpoint.
type Server struct {
	engine   *reload.Engine
	registry *symtab.Registry
	opts     Options
	jobs     chan job

	// reloadMu serialises reloads from the worker and from Reload callers
	// such as the file watcher.
	reloadMu sync.Mutex

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
}

// NewServer creates a server; call Listen and Serve to run it.
func NewServer(engine *reload.Engine, registry *symtab.Registry, opts Options) *Server {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Server{
		engine:   engine,
		registry: registry,
		opts:     opts,
		jobs:     make(chan job, opts.QueueSize),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address. A stale unix socket file is removed
// first.
func (s *Server) Listen() error {
	if s.opts.Network == "unix" {
		if err := os.Remove(s.opts.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(s.opts.Network, s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", s.opts.Network, s.opts.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logging.Agent("listening on %s %s", ln.Addr().Network(), ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled. It listens first when
// Listen was not called.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var handlers sync.WaitGroup

	g.Go(func() error {
		s.work(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			s.track(conn, true)
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				defer s.track(conn, false)
				s.serveConn(gctx, conn)
			}()
		}
	})

	err := g.Wait()
	handlers.Wait()
	logging.Agent("stopped listening on %s", ln.Addr())
	return err
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add && !s.closing {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}

// work runs queued requests one at a time.
func (s *Server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			j.reply <- s.Handle(j.id, j.line)
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logging.AgentDebug("client connected from %s", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		j := job{id: uuid.NewString(), line: line, reply: make(chan Response, 1)}
		select {
		case s.jobs <- j:
		case <-ctx.Done():
			return
		}

		var resp Response
		select {
		case resp = <-j.reply:
		case <-ctx.Done():
			return
		}
		if err := enc.Encode(resp); err != nil {
			logging.Get(logging.CategoryAgent).Warnf("failed to write response %s: %v", resp.ID, err)
			return
		}
	}
}

// Handle executes one request line synchronously.
func (s *Server) Handle(id, line string) Response {
	logging.AgentDebug("request %s: %s", id, line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{ID: id, Kind: KindUsage, Text: HelpText}
	}

	switch fields[0] {
	case command.Name:
		req, err := command.ParseArgs(fields[1:])
		if err != nil {
			var ue *command.UsageError
			if errors.As(err, &ue) && ue.Help() {
				return Response{ID: id, OK: true, Kind: KindHelp, Text: command.Usage}
			}
			return Response{ID: id, Kind: KindUsage, Text: fmt.Sprintf("%v\n\n%s", err, command.Usage)}
		}
		req.ID = id
		out := s.Reload(req)
		return Response{
			ID:   id,
			OK:   out.OK(),
			Kind: out.Kind.String(),
			Text: reload.Render(out, s.opts.Render),
		}
	case "list":
		return Response{ID: id, OK: true, Kind: KindList, Text: List(s.registry)}
	case "help":
		return Response{ID: id, OK: true, Kind: KindHelp, Text: HelpText}
	}
	return Response{ID: id, Kind: KindUsage, Text: fmt.Sprintf("unknown command %q\n\n%s", fields[0], HelpText)}
}

// Reload runs req after any reload in progress finishes.
func (s *Server) Reload(req reload.Request) reload.Outcome {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.engine.Reload(req)
}

// Check reports whether ref's source changed on disk.
func (s *Server) Check(ref symtab.Ref) (bool, error) {
	return s.engine.Check(ref)
}

// List renders every registered symbol, one module per block.
func List(registry *symtab.Registry) string {
	var b strings.Builder
	for _, m := range registry.Modules() {
		file := m.File()
		if file == "" {
			file = "no source file"
		}
		fmt.Fprintf(&b, "%s (%s)\n", m.Name(), file)
		for _, ref := range m.Refs() {
			c, ok := m.Lookup(ref)
			if !ok {
				continue
			}
			name := ref.Func
			if ref.Type != "" {
				name = ref.Type + "." + ref.Func
			}
			var tag string
			switch {
			case c.Unwrap() != nil:
				tag = " [wrapped]"
			case c.Native():
				tag = " [native]"
			}
			inner := c
			for inner.Unwrap() != nil {
				inner = inner.Unwrap()
			}
			fmt.Fprintf(&b, "  %s%s generation=%d\n", name, tag, inner.Current().Generation)
		}
	}
	return b.String()
}
