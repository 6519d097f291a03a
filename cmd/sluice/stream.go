package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/worker"
)

// maxRequestLine bounds one JSON request line.
const maxRequestLine = 4 << 20

// submitter is the part of the worker readRequests feeds.
type submitter interface {
	Submit(ctx context.Context, req worker.Request) error
}

// lineWriter writes one JSON response per line. It is safe for concurrent
// use so decode errors can be reported next to worker responses.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(out io.Writer) *lineWriter {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (l *lineWriter) write(resp worker.Response) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(resp)
}

// drain writes responses until the channel is closed.
func (l *lineWriter) drain(responses <-chan worker.Response) error {
	var firstErr error
	for resp := range responses {
		if err := l.write(resp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readRequests decodes one JSON request per line from r and submits it.
// A line that does not decode is answered with INVALID_REQUEST on out.
// It returns at EOF or when ctx is done.
func readRequests(ctx context.Context, r io.Reader, w submitter, out *lineWriter, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRequestLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var req worker.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			logger.Warn().Err(err).Msg("Malformed request")
			_ = out.write(worker.Response{
				Kind:  worker.ResponseError,
				Error: errors.Wrap(err, errors.CodeInvalidRequest, "malformed request: "+err.Error()),
			})
			continue
		}

		if err := w.Submit(ctx, req); err != nil {
			return err
		}
	}
	return scanner.Err()
}
