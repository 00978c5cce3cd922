package adapters

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

// errSkip tells sseStream to ignore an event that carried no text.
var errSkip = errors.New("skip event")

// decodeFunc turns one SSE data payload into a text chunk. It returns io.EOF
// when the payload marks the end of the stream and errSkip for events that
// carry no text.
type decodeFunc func(data string) (string, error)

// sseStream reads "data:" events from a provider body.
type sseStream struct {
	ctx      context.Context
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	decode   decodeFunc
	release  func()

	closeOnce sync.Once
	done      bool
	emitted   bool
}

func newSSEStream(ctx context.Context, provider string, body io.ReadCloser, decode decodeFunc, release func()) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		ctx:      ctx,
		provider: provider,
		body:     body,
		scanner:  scanner,
		decode:   decode,
		release:  release,
	}
}

func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
		if !s.scanner.Scan() {
			return "", s.finish()
		}

		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return "", s.cleanEnd()
		}

		text, err := s.decode(data)
		switch {
		case errors.Is(err, errSkip):
			continue
		case errors.Is(err, io.EOF):
			return "", s.cleanEnd()
		case err != nil:
			s.done = true
			return "", err
		}
		if text == "" {
			continue
		}
		s.emitted = true
		return text, nil
	}
}

// finish reports why the scanner stopped.
func (s *sseStream) finish() error {
	s.done = true
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.scanner.Err(); err != nil {
		return &types.Failure{
			Kind:     types.KindUnknown,
			Provider: s.provider,
			Message:  "stream interrupted: " + err.Error(),
			Err:      err,
		}
	}
	return s.cleanEnd()
}

// cleanEnd ends the stream. A stream that finished without any text is an
// empty response, not a success.
func (s *sseStream) cleanEnd() error {
	s.done = true
	if !s.emitted {
		return types.NewFailure(types.KindEmptyResponse, s.provider, "stream ended without any text")
	}
	return io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}

// textStream yields a single, already-complete text as one chunk.
type textStream struct {
	text string
	sent bool
}

func (t *textStream) Next() (string, error) {
	if t.sent || t.text == "" {
		return "", io.EOF
	}
	t.sent = true
	return t.text, nil
}

func (t *textStream) Close() error { return nil }
