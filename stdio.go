package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ServeStdio hosts exactly one session on the process's standard streams.
// Frames are newline-delimited JSON objects; EOF on the input moves the
// session to Closing. Returns when the peer disconnects or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serveStream(ctx, os.Stdin, os.Stdout)
}

// serveStream is the stdio transport over arbitrary streams, split out so
// tests can drive it with pipes.
func (s *Server) serveStream(ctx context.Context, in io.Reader, out io.Writer) error {
	sess := s.sessions.Create()
	defer s.sessions.Close(sess)

	// Writer drains the outbound queue; one goroutine serialises all writes
	// to the output stream.
	var wg sync.WaitGroup
	wg.Add(1)
	writerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(writerDone)
		enc := json.NewEncoder(out)
		for {
			select {
			case resp := <-sess.outbound:
				if err := enc.Encode(resp); err != nil {
					slog.Error("stdio write failed", "error", err)
					return
				}
			case <-sess.ctx.Done():
				// Flush whatever is already queued before leaving.
				for {
					select {
					case resp := <-sess.outbound:
						if err := enc.Encode(resp); err != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	reader := bufio.NewReaderSize(in, 1024*1024)
	var readErr error
	for {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
		case <-sess.ctx.Done():
		default:
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				s.handleStdioLine(sess, line)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
			continue
		}
		break
	}

	// Let dispatched tool calls queue their responses before the writer
	// stops; the flush on close picks them up.
	sess.drainInflight(s.opts.ToolTimeout + s.opts.CancelGrace)

	s.sessions.Close(sess)
	wg.Wait()
	return readErr
}

func (s *Server) handleStdioLine(sess *Session, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var req MCPRequest
	if err := json.Unmarshal(line, &req); err != nil {
		sess.send(errorResponse(nil, ErrorCodeParseError, "Parse error", map[string]interface{}{
			"details": err.Error(),
		}))
		return
	}
	s.HandleFrame(sess, &req)
}
