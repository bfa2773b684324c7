// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"bufio"
	"context"
	"io"
	"net/http"
)

// Stream is one long-lived NDJSON event stream from the backend. Lines
// are delivered in the order the backend emits them; the client never
// reorders or batches. Not safe for concurrent reads — one goroutine
// owns a stream.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	ctx     context.Context
}

// openStream issues the GET and wraps the response body. The stream
// lives until ctx is cancelled, Close is called, or the backend ends
// the response.
func (c *Client) openStream(ctx context.Context, op, path string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, c.connError(op, err, ctx)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, c.connError(op, err, ctx)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			Kind:        KindRejected,
			Op:          op,
			Message:     "Backend refused the event stream",
			Detail:      string(body),
			Remediation: "Check that the stream key still exists on the backend",
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large status payloads (full node_status maps) need headroom.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		ctx:     ctx,
	}, nil
}

// Next blocks until the next non-empty line arrives and returns it.
// Returns io.EOF when the backend ends the stream cleanly, the
// context's error when cancelled, and the underlying read error
// otherwise.
func (s *Stream) Next() ([]byte, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; hand out a copy.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Close releases the underlying connection. Safe to call more than
// once and concurrently with a blocked Next, which then returns an
// error.
func (s *Stream) Close() error {
	return s.body.Close()
}
