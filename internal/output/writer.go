package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/task"
)

const chanBuf = 512

// Writer records every admission outcome to a JSONL or CSV file from a
// background goroutine. Send never blocks the scheduler; when the buffer is
// full the result is dropped with a warning.
type Writer struct {
	ch      chan task.Result
	done    chan struct{}
	dropped atomic.Int64
}

// New opens cfg.File and starts the background goroutine. The caller must
// call Close.
func New(cfg config.OutputConfig) (*Writer, error) {
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if cfg.Append {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(cfg.File, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output file %q: %w", cfg.File, err)
	}

	bw := bufio.NewWriter(f)
	var enc encoder
	switch cfg.Format {
	case "csv":
		enc = newCSVEncoder(bw, !cfg.Append || isEmpty(f))
	default:
		enc = jsonlEncoder{json.NewEncoder(bw)}
	}

	w := &Writer{
		ch:   make(chan task.Result, chanBuf),
		done: make(chan struct{}),
	}
	go w.run(f, bw, enc)
	return w, nil
}

// Send queues r for writing.
func (w *Writer) Send(r task.Result) {
	select {
	case w.ch <- r:
	default:
		n := w.dropped.Add(1)
		log.Warn().Str("url", r.Task.URL).Int64("dropped", n).Msg("output writer buffer full, dropping result")
	}
}

// Close drains the buffer, flushes and closes the file.
func (w *Writer) Close() {
	close(w.ch)
	<-w.done
}

func (w *Writer) run(f *os.File, bw *bufio.Writer, enc encoder) {
	defer close(w.done)
	defer func() {
		if err := bw.Flush(); err != nil {
			log.Warn().Err(err).Msg("output writer: final flush failed")
		}
		_ = f.Close()
	}()

	for r := range w.ch {
		if err := enc.encode(newRecord(r, time.Now())); err != nil {
			log.Warn().Err(err).Str("url", r.Task.URL).Msg("output writer: failed to encode result")
			continue
		}
		// Keep the file tailable while a run is in progress.
		_ = bw.Flush()
	}
}

func isEmpty(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Size() == 0
}

// record is one line of output. Admission fields are zero and Dispatched
// is false for a request rejected before it reached the transport.
type record struct {
	TS         string `json:"ts"`
	Scope      string `json:"scope,omitempty"`
	Dispatched bool   `json:"dispatched"`
	Batch      int    `json:"batch,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	Position   int    `json:"position,omitempty"`
	WaitMs     int64  `json:"wait_ms"`
	Available  int    `json:"available"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Bytes      int    `json:"bytes"`
	Error      string `json:"error,omitempty"`
}

// newRecord flattens r. The timestamp is the dispatch instant when there
// was one, otherwise now.
func newRecord(r task.Result, now time.Time) record {
	rec := record{
		TS:         now.UTC().Format(time.RFC3339Nano),
		Method:     r.Task.Method,
		URL:        r.Task.URL,
		Status:     r.StatusCode(),
		DurationMs: r.Duration.Milliseconds(),
	}
	if a := r.Admission; a != nil {
		rec.TS = a.At.UTC().Format(time.RFC3339Nano)
		rec.Scope = a.Scope
		rec.Dispatched = true
		rec.Batch = a.Batch
		rec.BatchSize = a.BatchSize
		rec.Position = a.Position
		rec.WaitMs = a.Waited.Milliseconds()
		rec.Available = a.Available
	}
	if r.Response != nil {
		rec.Bytes = len(r.Response.Body)
	}
	if r.Error != nil {
		rec.Error = r.Error.Error()
	}
	return rec
}

type encoder interface {
	encode(record) error
}

type jsonlEncoder struct{ enc *json.Encoder }

func (e jsonlEncoder) encode(rec record) error { return e.enc.Encode(rec) }

// columns fixes the CSV layout; the header and every row are built from it.
var columns = []struct {
	name  string
	value func(record) string
}{
	{"ts", func(r record) string { return r.TS }},
	{"scope", func(r record) string { return r.Scope }},
	{"dispatched", func(r record) string { return strconv.FormatBool(r.Dispatched) }},
	{"batch", func(r record) string { return strconv.Itoa(r.Batch) }},
	{"batch_size", func(r record) string { return strconv.Itoa(r.BatchSize) }},
	{"position", func(r record) string { return strconv.Itoa(r.Position) }},
	{"wait_ms", func(r record) string { return strconv.FormatInt(r.WaitMs, 10) }},
	{"available", func(r record) string { return strconv.Itoa(r.Available) }},
	{"method", func(r record) string { return r.Method }},
	{"url", func(r record) string { return r.URL }},
	{"status", func(r record) string { return strconv.Itoa(r.Status) }},
	{"duration_ms", func(r record) string { return strconv.FormatInt(r.DurationMs, 10) }},
	{"bytes", func(r record) string { return strconv.Itoa(r.Bytes) }},
	{"error", func(r record) string { return r.Error }},
}

type csvEncoder struct {
	cw         *csv.Writer
	needHeader bool
}

func newCSVEncoder(w io.Writer, header bool) *csvEncoder {
	return &csvEncoder{cw: csv.NewWriter(w), needHeader: header}
}

func (e *csvEncoder) encode(rec record) error {
	row := make([]string, len(columns))
	if e.needHeader {
		for i, c := range columns {
			row[i] = c.name
		}
		if err := e.cw.Write(row); err != nil {
			return err
		}
		e.needHeader = false
	}
	for i, c := range columns {
		row[i] = c.value(rec)
	}
	if err := e.cw.Write(row); err != nil {
		return err
	}
	e.cw.Flush()
	return e.cw.Error()
}
