package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/guseggert/mcptap/internal/tasks"
	"github.com/guseggert/mcptap/proc"
)

// readLimit bounds a single frame on both conn ends. Tool results can be
// large, so this is well above typical protocol lines.
const readLimit = 1 << 20

type session struct {
	id   string
	conn *websocket.Conn
}

// Server accepts exactly one WebSocket session on a loopback ephemeral port
// and forwards frames between that session and the subprocess: one frame in
// becomes one stdin line, one stdout line becomes one frame out.
type Server struct {
	Log      *zap.SugaredLogger
	Proc     *proc.Proc
	Shutdown *Shutdown
	Tasks    *tasks.Group

	httpServer *http.Server
	listener   net.Listener

	mut      sync.Mutex
	active   *session
	draining bool
}

// Start binds 127.0.0.1:0 and serves in the background. The bound port is
// available from Port afterward.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding relay listener: %w", err)
	}
	s.listener = listener

	router := httprouter.New()
	router.GET("/session", s.acceptSession)
	router.GET("/status", s.status)

	s.httpServer = &http.Server{Handler: router}
	s.Tasks.Go("relay_server", func() {
		err := s.httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			s.Log.Warnf("relay server stopped: %s", err)
		}
	})

	s.Log.Infof("relay server listening on %s", listener.Addr())
	return nil
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Drain makes the server refuse new sessions while cleanup runs.
func (s *Server) Drain() {
	s.mut.Lock()
	s.draining = true
	s.mut.Unlock()
}

// Stop closes the active session conn and then the HTTP server. The session
// conn is closed explicitly because upgraded conns outlive http.Server.Close;
// closing it unblocks the session's loops.
func (s *Server) Stop() error {
	s.mut.Lock()
	var conn *websocket.Conn
	if s.active != nil {
		conn = s.active.conn
	}
	s.mut.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusGoingAway, "relay shutting down"); err != nil {
			s.Log.Debugf("closing session conn: %s", err)
		}
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// acceptSession enforces the single-session policy: membership is claimed
// under the mutex before the upgrade, so a racing second client always sees
// the session as taken and is refused with an explicit status.
func (s *Server) acceptSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess := &session{id: uuid.NewString()}

	s.mut.Lock()
	if s.draining || s.Shutdown.IsSet() {
		s.mut.Unlock()
		s.Log.Warnf("refusing session %s: relay is shutting down", sess.id)
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.active != nil {
		activeID := s.active.id
		s.mut.Unlock()
		s.Log.Errorf("refusing session %s: session %s is already active", sess.id, activeID)
		http.Error(w, "a session is already active", http.StatusConflict)
		return
	}
	s.active = sess
	s.mut.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The conn is observed by an intercepting proxy, so frames must
		// traverse uncompressed and verbatim.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		s.clearSession(sess)
		return
	}
	conn.SetReadLimit(readLimit)

	s.mut.Lock()
	sess.conn = conn
	s.mut.Unlock()

	s.Log.Infof("session %s connected from %s", sess.id, r.RemoteAddr)

	s.Tasks.Go("session_output", func() { s.outputLoop(sess) })
	s.readLoop(sess)

	// The client is gone; the debugging session has ended. Shutdown is set
	// before the slot frees so a latecomer can never start a second output
	// loop against the same subprocess.
	s.Log.Infof("session %s disconnected, shutting down", sess.id)
	s.Shutdown.Set()
	s.clearSession(sess)
}

func (s *Server) clearSession(sess *session) {
	s.mut.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mut.Unlock()
}

// readLoop forwards each frame from the session verbatim to the
// subprocess's stdin. A stdin write failure drops that one message.
func (s *Server) readLoop(sess *session) {
	for {
		_, b, err := sess.conn.Read(context.Background())
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.Log.Debugf("session %s closed (%v)", sess.id, status)
			} else {
				s.Log.Debugf("session %s read error: %s", sess.id, err)
			}
			return
		}
		s.Log.Debugf("session %s -> subprocess: %d bytes", sess.id, len(b))
		if err := s.Proc.WriteLine(b); err != nil {
			s.Log.Warnf("writing to subprocess stdin, dropping message: %s", err)
		}
	}
}

// outputLoop sends each subprocess stdout line to the session as one text
// frame. It ends silently on stdout EOF or a send failure.
func (s *Server) outputLoop(sess *session) {
	for {
		line, err := s.Proc.ReadLine()
		if len(line) > 0 {
			s.Log.Debugf("subprocess -> session %s: %d bytes", sess.id, len(line))
			if werr := sess.conn.Write(context.Background(), websocket.MessageText, line); werr != nil {
				s.Log.Debugf("session %s write error: %s", sess.id, werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				s.Log.Debug("subprocess stdout EOF")
			} else {
				s.Log.Warnf("reading subprocess stdout: %s", err)
			}
			return
		}
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mut.Lock()
	active := s.active != nil
	s.mut.Unlock()
	response := struct {
		SessionActive bool
	}{
		SessionActive: active,
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.Log.Debugf("error marshaling status response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
