package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router/adapters"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

// openedStream is an upstream stream whose first chunk has already arrived.
type openedStream struct {
	upstream adapters.Stream
	first    string
}

// RelayStream hands upstream chunks to the caller one at a time. It is not
// safe for concurrent use and cannot be restarted.
type RelayStream struct {
	ctx         context.Context
	upstream    adapters.Stream
	gate        QuotaGate
	reservation *quota.Reservation
	logger      *slog.Logger
	metrics     Recorder
	requestID   string

	Candidate string
	Provider  string
	Model     string

	pending    string
	hasPending bool
	err        error
	clean      bool
	chunks     int

	closeOnce sync.Once
	closeErr  error
}

func newRelayStream(ctx context.Context, r *Router, rt route, opened *openedStream, res *quota.Reservation, requestID string) *RelayStream {
	return &RelayStream{
		ctx:         ctx,
		upstream:    opened.upstream,
		gate:        r.retry.gate,
		reservation: res,
		logger:      r.logger,
		metrics:     r.metrics,
		requestID:   requestID,
		Candidate:   rt.candidate.Name,
		Provider:    rt.candidate.Adapter.Name(),
		Model:       rt.model,
		pending:     opened.first,
		hasPending:  true,
	}
}

// Next returns the next chunk, io.EOF after a clean end, or the error that
// ended the stream. Once it has returned an error it keeps returning it.
func (s *RelayStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return "", err
	}

	var chunk string
	if s.hasPending {
		chunk, s.hasPending = s.pending, false
		s.pending = ""
	} else {
		var err error
		chunk, err = s.upstream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.clean = true
				err = io.EOF
			}
			s.err = err
			return "", err
		}
	}

	s.chunks++
	if s.metrics != nil {
		s.metrics.RecordStreamChunk(s.Provider)
	}
	return chunk, nil
}

// Chunks reports how many chunks have been handed out.
func (s *RelayStream) Chunks() int { return s.chunks }

// Close releases the upstream. The quota reservation is kept only if the
// stream reached a clean end; otherwise it is given back.
func (s *RelayStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.upstream.Close()
		if s.clean {
			return
		}
		if err := s.gate.Release(s.ctx, s.reservation); err != nil {
			s.logger.Error("failed to release stream reservation",
				"request_id", s.requestID,
				"candidate", s.Candidate,
				"error", err,
			)
		}
		s.logger.Info("stream ended early",
			"request_id", s.requestID,
			"candidate", s.Candidate,
			"chunks", s.chunks,
			"kind", streamEndKind(s.err),
		)
	})
	return s.closeErr
}

func streamEndKind(err error) string {
	switch {
	case err == nil:
		return "abandoned"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return types.KindOf(err).String()
	}
}
