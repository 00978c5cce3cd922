package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	streamStatusTrailer = "X-Stream-Status"
	streamErrorMarker   = "[STREAM_ERROR]"
)

type chunkSource interface {
	Next() (string, error)
}

// relayStream writes chunks as plain text, flushing after each one. A
// failure after the headers went out is reported in-band with a marker line
// and in the X-Stream-Status trailer. A client that disconnects gets nothing
// more.
func relayStream(ctx context.Context, w http.ResponseWriter, src chunkSource) (int, error) {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Trailer", streamStatusTrailer)
	w.WriteHeader(http.StatusOK)
	flush()

	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return chunks, err
		}

		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			h.Set(streamStatusTrailer, "complete")
			return chunks, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return chunks, err
			}
			kind, msg := "unknown", err.Error()
			var f *types.Failure
			if errors.As(err, &f) {
				kind, msg = f.Kind.String(), f.Message
			}
			fmt.Fprintf(w, "\n%s %s: %s\n", streamErrorMarker, kind, msg)
			flush()
			h.Set(streamStatusTrailer, "error")
			return chunks, err
		}

		if _, err := io.WriteString(w, chunk); err != nil {
			return chunks, err
		}
		flush()
		chunks++
	}
}
