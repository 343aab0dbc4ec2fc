// Package api holds the types shared by every layer of the library: the
// closed set of result tags, verbosity levels, job priorities, session
// options, and the hook signatures a caller may install.
package api
