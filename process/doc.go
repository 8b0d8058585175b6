/*
Package process launches instances of a service binary for a harness run and reaps them.

A launched instance is told where to send its readiness handshake, which id to put in it, and
to listen on an OS assigned port:

	<binary> <args...> --startup-ping udp://localhost:12021 --startup-id 0 --port 0 [config] <extra args...>

Each Process has a single goroutine blocked in Wait on the child, all other operations read the
state it records. This is what makes Poll non-blocking, and Terminate, Wait and Reap safe to
call any number of times.

WaitAll waits for a set of processes that are already on their way out, reporting all of their
exit codes in an ExitError if any of them were non-zero.
*/
package process
