package logging

import (
	"io"
	"os"
	"sync"
)

// outputWriter forwards log output to a destination that Setup can replace.
type outputWriter struct {
	mu   sync.Mutex
	w    io.Writer
	file *os.File
}

func (o *outputWriter) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

// swap installs w and returns the previously installed file, if any. No
// write is in flight on the old destination once swap returns.
func (o *outputWriter) swap(w io.Writer, f *os.File) *os.File {
	o.mu.Lock()
	defer o.mu.Unlock()
	old := o.file
	o.w, o.file = w, f
	return old
}
