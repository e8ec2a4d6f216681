package process

import (
	"bufio"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/loykin/thinkd/internal/metrics"
)

const maxLineBytes = 1 << 20

// forwarder relays one output stream of a child to the diagnostic log line by
// line. Reading never waits on logging: when the queue is full the line is
// dropped and counted.
type forwarder struct {
	name    string
	stream  string
	log     *slog.Logger
	file    io.Writer
	queue   chan string
	dropped *atomic.Uint64
	done    chan struct{}
}

func newForwarder(name, stream string, log *slog.Logger, file io.Writer, size int, dropped *atomic.Uint64) *forwarder {
	return &forwarder{
		name:    name,
		stream:  stream,
		log:     log,
		file:    file,
		queue:   make(chan string, size),
		dropped: dropped,
		done:    make(chan struct{}),
	}
}

// run reads r until EOF. It returns immediately; done closes once every
// queued line has been written out.
func (f *forwarder) run(r io.Reader) {
	go f.drain()
	go f.read(r)
}

func (f *forwarder) read(r io.Reader) {
	defer close(f.queue)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		f.offer(sc.Text())
	}
	if sc.Err() != nil {
		// Oversized line or read error: keep the pipe empty so the child
		// never blocks on a full pipe buffer.
		f.offer("[output truncated: " + sc.Err().Error() + "]")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (f *forwarder) offer(line string) {
	select {
	case f.queue <- line:
	default:
		f.dropped.Add(1)
		metrics.IncOutputDropped(f.name, f.stream)
	}
}

func (f *forwarder) drain() {
	defer close(f.done)
	for line := range f.queue {
		if f.log != nil {
			f.log.Info(line, slog.String("stream", f.stream))
		}
		if f.file != nil {
			_, _ = io.WriteString(f.file, line+"\n")
		}
	}
}
