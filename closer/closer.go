/*
Package closer contains helpers for not losing deferred errors
*/
package closer

import "io"

// ErrorHandler closes c, and reports the close error through in unless in already holds an error.
func ErrorHandler(c io.Closer, in *error) {
	ErrorHandlerFunc(c.Close, in)
}

// ErrorHandlerFunc is ErrorHandler for release funcs that are not an io.Closer.
func ErrorHandlerFunc(release func() error, in *error) {
	cerr := release()
	if *in == nil {
		*in = cerr
	}
}
