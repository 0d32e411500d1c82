package paxos

import (
	"io"
	"log"
	"os"
)

// logger is package-scoped so tests can silence it the same way
// dyv-paxos's tests called log.SetOutput(ioutil.Discard): via SetOutput
// below, rather than touching the global "log" package.
var logger = log.New(os.Stderr, "paxos: ", log.Lshortfile)

// SetOutput redirects this package's log output, primarily so tests can
// silence it.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}
