/*
Package relay tunnels a line-oriented stdio protocol through a loopback
WebSocket so that an intercepting HTTP proxy can observe and modify it. It
wraps a subprocess that speaks one message per newline-terminated line, and
from the invoker's point of view behaves exactly like that subprocess: lines
written to the wrapper's stdin come back out of the subprocess via the
wrapper's stdout.

The path of a message is: real stdin -> Client sender -> proxy -> Server ->
subprocess stdin, and subprocess stdout -> Server output loop -> proxy ->
Client receiver -> real stdout. One line is one WebSocket text frame in both
directions, uncompressed, payload verbatim; the relay never parses message
content. The proxy hop is the interception point: the relay's own client
leg is dialed through it, so every frame crosses the proxy.

The Server accepts exactly one session. A second connection attempt while a
session is active is refused with 409; client disconnect ends the run,
since the debugging session is over.

Shutdown is cooperative: any terminal condition (disconnect, stdin EOF,
interrupt) sets a one-shot signal, and cleanup then closes pipes and conns
in an order that unblocks every loop before joining it, escalating the
subprocess from stdin-close to SIGTERM to SIGKILL as needed.
*/
package relay
