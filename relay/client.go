package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/guseggert/mcptap/internal/tasks"
)

// dialTimeout bounds both the TCP dial and the whole relay handshake. A
// proxy that accepts the conn but never answers must fail the dial, not
// stall startup.
const dialTimeout = 5 * time.Second

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// proxiedHTTPClient builds the HTTP client the relay conn is dialed with:
// every request goes through the loopback proxy, with fast bounded retries
// to tolerate the proxy and server coming up concurrently.
func proxiedHTTPClient(log *zap.SugaredLogger, proxyPort int) *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", proxyPort),
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			DialContext:     dialer.DialContext,
			MaxConnsPerHost: 0,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	return retryClient.StandardClient()
}

// Client bridges the wrapper's real stdin/stdout to the relay server over a
// WebSocket conn dialed through the intercepting proxy.
type Client struct {
	Log      *zap.SugaredLogger
	Shutdown *Shutdown
	Tasks    *tasks.Group

	// Stdin and Stdout are the wrapper's real stdio streams; the invoker on
	// the other side believes it is talking to the subprocess directly.
	Stdin  io.Reader
	Stdout io.Writer

	// HTTPClient overrides the proxied client when set. Tests use it to
	// dial without a proxy in front.
	HTTPClient *http.Client

	conn          *websocket.Conn
	closeConnOnce sync.Once
}

// Start dials ws://127.0.0.1:<serverPort>/session through the proxy on
// proxyPort and spawns the sender and receiver loops.
func (c *Client) Start(ctx context.Context, serverPort, proxyPort int) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = proxiedHTTPClient(c.Log, proxyPort)
	}

	u := fmt.Sprintf("ws://127.0.0.1:%d/session", serverPort)
	c.Log.Debugw("dialing relay through proxy", "URL", u, "ProxyPort", proxyPort)
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return fmt.Errorf("establishing relay conn through proxy on port %d: %w", proxyPort, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.Log.Infof("connected to relay through proxy on port %d", proxyPort)

	c.Tasks.Go("client_receiver", c.receiver)
	c.Tasks.Go("client_sender", c.sender)
	return nil
}

// Stop closes the relay conn, unblocking the receiver. The sender may stay
// blocked on a stdin read; the bounded join abandons it.
func (c *Client) Stop() {
	if c.conn != nil {
		c.close(websocket.StatusNormalClosure, "")
	}
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		if err := c.conn.Close(code, reason); err != nil {
			c.Log.Debugf("error closing relay conn: %s", err)
		}
	})
}

// endSession runs when either loop hits a terminal condition: the run is
// over, whichever side ended it.
func (c *Client) endSession(loop string) {
	c.Log.Debugf("%s finished, shutting down", loop)
	c.Shutdown.Set()
	c.close(websocket.StatusNormalClosure, "")
}

// receiver writes each frame from the relay verbatim to the real stdout.
func (c *Client) receiver() {
	defer c.endSession("receiver")
	for {
		_, b, err := c.conn.Read(context.Background())
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.Log.Debugf("relay conn closed (%v)", status)
			} else {
				c.Log.Debugf("receiver got error: %s", err)
			}
			return
		}
		c.Log.Debugf("relay -> stdout: %d bytes", len(b))
		if _, err := c.Stdout.Write(b); err != nil {
			c.Log.Warnf("writing to stdout: %s", err)
			return
		}
	}
}

// sender reads newline-terminated lines from the real stdin and sends each
// as one text frame. Stdin EOF ends the run.
func (c *Client) sender() {
	defer c.endSession("sender")
	reader := bufio.NewReader(c.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.Log.Debugf("stdin -> relay: %d bytes", len(line))
			if werr := c.conn.Write(context.Background(), websocket.MessageText, line); werr != nil {
				c.Log.Debugf("sender got write error: %s", werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				c.Log.Debug("stdin EOF")
			} else {
				c.Log.Warnf("reading stdin: %s", err)
			}
			return
		}
	}
}
