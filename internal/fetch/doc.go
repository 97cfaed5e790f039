// Package fetch materializes one link as one file on local disk.
//
// A Fetcher shares a single http.Client across every link handled by the
// process. Bodies are streamed into a ".part" sibling of the destination and
// renamed into place only after the transfer completes, so a destination that
// exists is always a whole file. Existing destinations are never overwritten.
package fetch
