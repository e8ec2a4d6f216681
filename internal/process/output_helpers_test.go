package process

import "sync/atomic"

type countingDrops struct{ n atomic.Uint64 }

// blockingWriter blocks every write until release is closed.
type blockingWriter struct{ release chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}
