// Package nntptest runs a minimal NNTP server on a loopback port for tests.
package nntptest

import (
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type Server struct {
	ln net.Listener

	mu       sync.Mutex
	articles map[string][]byte
	requests map[string]int
	drops    map[string]int
	stalls   map[string]int
	user     string
	pass     string
	conns    int
	delay    time.Duration
	open     map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer starts listening and registers Close with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("nntptest: listen: %v", err)
	}

	s := &Server{
		ln:       ln,
		articles: make(map[string][]byte),
		requests: make(map[string]int),
		drops:    make(map[string]int),
		stalls:   make(map[string]int),
		open:     make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// SetAuth requires AUTHINFO with these credentials before BODY.
func (s *Server) SetAuth(user, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.pass = user, pass
}

// SetDelay holds every BODY response for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// AddArticle stores an already encoded body under id (without brackets).
func (s *Server) AddArticle(id string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[strings.Trim(id, "<>")] = body
}

// DropNext makes the next n BODY requests for id close the connection
// without answering.
func (s *Server) DropNext(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[strings.Trim(id, "<>")] = n
}

// StallNext makes the next n BODY requests for id never answer, so the
// client hits its read deadline.
func (s *Server) StallNext(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[strings.Trim(id, "<>")] = n
}

// Requests is how many BODY commands named id.
func (s *Server) Requests(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[strings.Trim(id, "<>")]
}

// Connections is how many connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.open {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.open[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
			s.mu.Lock()
			delete(s.open, c)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(c net.Conn) {
	tp := textproto.NewConn(c)
	defer tp.Close()

	if err := tp.PrintfLine("200 nntptest ready"); err != nil {
		return
	}

	var user string
	authed := false

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")

		switch strings.ToUpper(cmd) {
		case "AUTHINFO":
			kind, val, _ := strings.Cut(arg, " ")
			s.mu.Lock()
			wantUser, wantPass := s.user, s.pass
			s.mu.Unlock()

			switch strings.ToUpper(kind) {
			case "USER":
				user = val
				err = tp.PrintfLine("381 PASS required")
			case "PASS":
				if wantUser == "" || (user == wantUser && val == wantPass) {
					authed = true
					err = tp.PrintfLine("281 Ok")
				} else {
					err = tp.PrintfLine("481 Authentication failed")
				}
			default:
				err = tp.PrintfLine("501 Syntax error")
			}

		case "BODY":
			if !s.body(tp, arg, authed) {
				return
			}

		case "DATE":
			err = tp.PrintfLine("111 %s", time.Now().UTC().Format("20060102150405"))

		case "QUIT":
			_ = tp.PrintfLine("205 bye")
			return

		default:
			err = tp.PrintfLine("500 What?")
		}

		if err != nil {
			return
		}
	}
}

// body answers one BODY command. It returns false when the connection
// should be closed.
func (s *Server) body(tp *textproto.Conn, arg string, authed bool) bool {
	id := strings.Trim(strings.TrimSpace(arg), "<>")

	s.mu.Lock()
	needAuth := s.user != "" && !authed
	s.requests[id]++
	body, ok := s.articles[id]
	drop := s.drops[id] > 0
	if drop {
		s.drops[id]--
	}
	stall := !drop && s.stalls[id] > 0
	if stall {
		s.stalls[id]--
	}
	delay := s.delay
	s.mu.Unlock()

	if needAuth {
		return tp.PrintfLine("480 Authentication required") == nil
	}
	if drop {
		return false
	}
	if stall {
		// Read until the client gives up and closes
		_, _ = tp.ReadLine()
		return false
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return tp.PrintfLine("430 No Such Article") == nil
	}

	if err := tp.PrintfLine("222 0 <%s>", id); err != nil {
		return false
	}
	w := tp.DotWriter()
	if _, err := w.Write(body); err != nil {
		return false
	}
	return w.Close() == nil
}

// Article is a convenience for building ids in tests.
func Article(prefix string, n int) string {
	return prefix + "-" + strconv.Itoa(n) + "@nntptest"
}
