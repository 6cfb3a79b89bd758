package socketclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/willfong/workload-generator/internal/engine"
)

// Server is an in-memory key/value target for the line protocol.
type Server struct {
	log    zerolog.Logger
	secret string

	mu   sync.RWMutex
	data map[string]string

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewServer creates a server. AUTH succeeds for existing keys presenting
// secret.
func NewServer(log zerolog.Logger, secret string) *Server {
	return &Server{
		log:    log.With().Str("component", "server").Logger(),
		secret: secret,
		data:   make(map[string]string),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Len returns the number of stored keys.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Serve accepts connections on l until ctx is cancelled, then closes the
// listener and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		engine.CloseQuietly(l, s.log, "listener")
		s.closeConns()
	})
	defer stop()

	s.log.Info().Str("addr", l.Addr().String()).Msg("server listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		engine.CloseQuietly(c, s.log, "server conn")
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		engine.CloseQuietly(conn, s.log, "server conn")
	}()

	w := bufio.NewWriter(conn)
	reply := func(line string) bool {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return false
		}
		return w.Flush() == nil
	}

	if !reply(replyOK + " workgen ready") {
		return
	}
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.EqualFold(line, verbQuit) {
			reply(replyOK + " bye")
			return
		}
		if !reply(s.exec(line)) {
			return
		}
	}
}

// exec runs one request line and returns the reply line.
func (s *Server) exec(line string) string {
	verb, rest, _ := strings.Cut(line, " ")
	key, arg, hasArg := strings.Cut(rest, " ")
	if !validKey(key) {
		return fail(CodeBadRequest, "missing key")
	}

	switch strings.ToUpper(verb) {
	case verbAdd:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.data[key]; ok {
			return fail(CodeEntryExists, key)
		}
		s.data[key] = arg
		return replyOK

	case verbDel:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.data[key]; !ok {
			return fail(CodeNoSuchKey, key)
		}
		delete(s.data, key)
		return replyOK

	case verbRen:
		if !hasArg || !validKey(arg) {
			return fail(CodeBadRequest, "missing new key")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		v, ok := s.data[key]
		if !ok {
			return fail(CodeNoSuchKey, key)
		}
		if _, taken := s.data[arg]; taken {
			return fail(CodeEntryExists, arg)
		}
		delete(s.data, key)
		s.data[arg] = v
		return replyOK

	case verbMod:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.data[key]; !ok {
			return fail(CodeNoSuchKey, key)
		}
		s.data[key] = arg
		return replyOK

	case verbScan:
		s.mu.RLock()
		defer s.mu.RUnlock()
		n := 0
		for k := range s.data {
			if strings.HasPrefix(k, key) {
				n++
			}
		}
		return replyOK + " " + strconv.Itoa(n)

	case verbCmp:
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.data[key]
		if !ok {
			return fail(CodeNoSuchKey, key)
		}
		if v == arg {
			return replyOK + " TRUE"
		}
		return replyOK + " FALSE"

	case verbAuth:
		s.mu.RLock()
		_, ok := s.data[key]
		s.mu.RUnlock()
		if !ok || arg != s.secret {
			return fail(CodeInvalidCredentials, key)
		}
		return replyOK

	default:
		return fail(CodeBadRequest, "unknown verb "+verb)
	}
}

func fail(code, msg string) string {
	return replyError + " " + code + " " + msg
}
