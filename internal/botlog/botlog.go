// Package botlog provides leveled loggers in the teacher corpus's style
// (github.com/anniemaybytes/chihaya's log package wraps log.New per level;
// this package does the same) plus a bounded ring buffer that backs the
// control plane's WebSocket log feed, standing in for the original
// dccbot.app.WebSocketLogHandler.
package botlog

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	flags = log.Ldate | log.Ltime | log.LUTC | log.Lmsgprefix
	// ringSize bounds the in-memory log buffer the WebSocket feed replays
	// to newly connecting clients, per spec.md §7 ("most recent N≈1000").
	ringSize = 1000
)

var (
	writer = log.Writer()

	// Info, Warning, and Error are the leveled loggers used throughout
	// dccbot, mirroring chihaya's log.Info / log.Warning / log.Error.
	Info    = log.New(writer, "[I] ", flags)
	Warning = log.New(writer, "[W] ", flags)
	Error   = log.New(writer, "[E] ", flags)
)

// Record is one structured log entry, shaped to match the WebSocket
// contract in spec.md §6: {type:"log",timestamp,level,message}.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Ring is a bounded, concurrency-safe log buffer with fan-out to
// subscribers. One process-wide Ring feeds the control plane's /ws route.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	subs map[chan Record]struct{}
}

// NewRing constructs an empty Ring.
func NewRing() *Ring {
	return &Ring{subs: make(map[chan Record]struct{})}
}

// Add appends a record, evicting the oldest entry once the ring is full,
// and fans it out to every live subscriber without blocking on a slow one.
func (r *Ring) Add(level, format string, args ...any) {
	rec := Record{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}

	r.mu.Lock()
	r.buf = append(r.buf, rec)
	if len(r.buf) > ringSize {
		r.buf = r.buf[len(r.buf)-ringSize:]
	}
	for ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()

	switch level {
	case "ERROR":
		Error.Print(rec.Message)
	case "WARNING":
		Warning.Print(rec.Message)
	default:
		Info.Print(rec.Message)
	}
}

// Infof, Warningf, and Errorf are convenience wrappers around Add.
func (r *Ring) Infof(format string, args ...any)    { r.Add("INFO", format, args...) }
func (r *Ring) Warningf(format string, args ...any)  { r.Add("WARNING", format, args...) }
func (r *Ring) Errorf(format string, args ...any)    { r.Add("ERROR", format, args...) }

// Snapshot returns a copy of the currently buffered records, oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.buf))
	copy(out, r.buf)
	return out
}

// Subscribe registers a channel that receives every future record. The
// returned function unregisters it; callers must call it to avoid leaking
// the channel's slot.
func (r *Ring) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, cancel
}

func init() {
	// Match the teacher's default: logs go to stderr unless redirected.
	log.SetOutput(os.Stderr)
}
