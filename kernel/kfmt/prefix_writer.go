package kfmt

import "io"

// PrefixWriter is an io.Writer that tags every line written through it with
// a fixed prefix before passing it on to another writer. The driver bring-up
// sequence logs through one so each init line carries the driver name and
// version.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is injected ahead of every line. It may be swapped between
	// writes; a line already in progress keeps the prefix it started
	// with.
	Prefix []byte

	bytesAfterPrefix int
}

// Write forwards p to the sink, injecting the prefix wherever a new line
// begins. The returned count covers only the bytes of p, never the injected
// prefix bytes, so callers see the usual io.Writer contract.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart, cur int

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		w.Sink.Write(w.Prefix)
	}

	for ; cur < len(p); cur++ {
		if p[cur] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[lineStart : cur+1])
		if cur+1 != len(p) {
			w.Sink.Write(w.Prefix)
		}
		written += n
		if err != nil {
			return written, err
		}

		w.bytesAfterPrefix = 0
		lineStart = cur + 1
	}

	if lineStart < cur {
		n, err := w.Sink.Write(p[lineStart:cur])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
