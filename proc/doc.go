/*
Package proc runs the wrapped protocol server as a child process and owns its
stdio for the lifetime of the run.

The child is started exactly once, with all three standard streams wired
through raw pipe pairs. The read ends stay with the parent, so after the
child exits they drain any buffered output and then deliver a clean EOF;
there are no copier goroutines between the relay and the child. Exactly one
goroutine reads lines and one writes lines for the whole run.

Shutdown is an escalation ladder: closing the child's stdin asks it to
finish; a child still running after the grace period is sent SIGTERM; one
that ignores SIGTERM for the force period is killed. Terminate runs the
ladder at most once per child and always returns only after the child has
been reaped.
*/
package proc
