// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/tutorcall/internal/util"
)

// LogEntry is one line of process log output. Seq increases by one per
// line and doubles as the SSE event id.
type LogEntry struct {
	Seq uint64    `json:"seq"`
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	seq     uint64

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput/io.MultiWriter.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := string(data[:i])
		b.partial.Next(i + 1)

		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		b.seq++
		e := LogEntry{Seq: b.seq, TS: time.Now(), Msg: line}
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Snapshot()
}

// Since returns the buffered entries with Seq greater than seq.
func (b *LogBuffer) Since(seq uint64) []LogEntry {
	all := b.Snapshot()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// subscribeSince registers a subscriber and returns the entries after seq
// that it would otherwise miss. Both happen under the lock so no line
// falls between the backlog and the live channel.
func (b *LogBuffer) subscribeSince(seq uint64) (backlog []LogEntry, ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	if seq > 0 {
		for _, e := range b.entries.Snapshot() {
			if e.Seq > seq {
				backlog = append(backlog, e)
			}
		}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return backlog, ch, cancel
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	_, ch, cancel = b.subscribeSince(0)
	return ch, cancel
}

// GET /api/logs?since=<seq>
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := b.Snapshot()
	if s := r.URL.Query().Get("since"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		entries = b.Since(seq)
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// GET /api/logs/stream  (Server-Sent Events)
// Tail only, unless the client resumes with Last-Event-ID.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var last uint64
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		last, _ = strconv.ParseUint(id, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	backlog, ch, cancel := b.subscribeSince(last)
	defer cancel()

	for _, e := range backlog {
		writeSSE(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	b, _ := json.Marshal(e)
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", e.Seq, b)
}
