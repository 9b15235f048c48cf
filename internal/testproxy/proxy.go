// Package testproxy runs a small HTTP/1.1 forward proxy on a loopback
// ephemeral port. Tests point a proxied HTTP client at it to prove that
// traffic really crosses a proxy hop: absolute-form requests are replayed
// upstream in origin form, CONNECT requests get a 200 and a raw tunnel, and
// after an Upgrade both directions are spliced byte for byte.
package testproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Proxy struct {
	Log *zap.SugaredLogger

	listener net.Listener
	tunnels  atomic.Int64
}

// Start binds 127.0.0.1:0 and begins accepting in the background.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}
	p.listener = listener
	go p.serve()
	p.Log.Infof("test proxy listening on %s", listener.Addr())
	return nil
}

func (p *Proxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Tunnels reports how many requests have been proxied upstream.
func (p *Proxy) Tunnels() int64 {
	return p.tunnels.Load()
}

func (p *Proxy) Close() error {
	return p.listener.Close()
}

func (p *Proxy) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *Proxy) handle(clientConn net.Conn) {
	defer clientConn.Close()

	reader := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		p.Log.Debugf("reading proxied request: %s", err)
		return
	}

	host := req.URL.Host
	if req.Method == http.MethodConnect {
		host = req.Host
	}
	if host == "" {
		p.Log.Debugf("proxied %s request has no target host", req.Method)
		return
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	upstream, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		p.Log.Debugf("dialing %s: %s", host, err)
		io.WriteString(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if req.Method == http.MethodConnect {
		if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
	} else if err := req.Write(upstream); err != nil {
		p.Log.Debugf("forwarding request to %s: %s", host, err)
		return
	}

	p.tunnels.Inc()
	p.Log.Debugf("tunneling %s %s", req.Method, host)

	// reader first so any bytes it buffered past the request still reach
	// the upstream.
	go func() {
		defer clientConn.Close()
		defer upstream.Close()
		_, err := io.Copy(upstream, reader)
		if err != nil {
			p.Log.Debugf("copy to upstream error: %s", err)
		}
	}()
	_, err = io.Copy(clientConn, upstream)
	if err != nil {
		p.Log.Debugf("copy to client error: %s", err)
	}
}
