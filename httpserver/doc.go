/*
Package httpserver serves the HTTP API of a service, on an address that may have an OS assigned
port, and shuts it down gracefully when its context is cancelled.

Routers are built with the ginrouter subpackage, which traces every request with o11y.
*/
package httpserver
