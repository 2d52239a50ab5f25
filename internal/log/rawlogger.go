package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records raw USB-IP traffic.
type RawLogger interface {
	Log(in bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a RawLogger writing to w. A nil writer discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single-line hex dump of data.
// in=true means host->device, in=false means device->host.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}
	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: % x\n",
		time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data), data)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.w, line)
}
