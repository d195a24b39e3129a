package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cleanstream/internal/pipeline"
	"github.com/MrWong99/cleanstream/pkg/audio"
)

// reportQueueSize bounds the reports waiting to be written to a slow client.
const reportQueueSize = 64

type chunk struct {
	samples   [][]float32
	timestamp uint64
}

// session is one WebSocket stream bound to one pipeline.
type session struct {
	id    string
	conn  *websocket.Conn
	pipe  *pipeline.Pipeline
	codec Codec
	poll  time.Duration
	log   *slog.Logger

	chunks  chan chunk
	reports chan pipeline.Report
	dropped atomic.Uint64
}

func newSession(id string, codec Codec, poll time.Duration, log *slog.Logger) *session {
	return &session{
		id:      id,
		codec:   codec,
		poll:    poll,
		log:     log,
		chunks:  make(chan chunk, 16),
		reports: make(chan pipeline.Report, reportQueueSize),
	}
}

// Report implements [pipeline.Reporter]. It never blocks the worker; reports
// are dropped when the client falls behind.
func (s *session) Report(_ context.Context, r pipeline.Report) {
	select {
	case s.reports <- r:
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("ingest: client too slow, dropping reports", "stream", s.id)
		}
	}
}

// run serves the connection until the client goes away or ctx ends. All
// pipeline calls and block writes happen on one goroutine so emitted blocks
// leave in order; reading and decoding happen on another.
func (s *session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	err := g.Wait()

	var ce websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	defer close(s.chunks)
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		h, payload, err := ParseFrame(msg)
		if err != nil {
			return err
		}
		if h.Type != TypeAudio {
			s.log.Debug("ingest: ignoring message", "stream", s.id, "type", h.Type)
			continue
		}
		samples, err := s.codec.Decode(payload)
		if err != nil {
			return err
		}
		select {
		case s.chunks <- chunk{samples: samples, timestamp: h.Timestamp}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-s.chunks:
			if !ok {
				return nil
			}
			frames := 0
			if len(c.samples) > 0 {
				frames = len(c.samples[0])
			}
			b, ready, err := s.pipe.OnAudioFrames(c.samples, frames, c.timestamp)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if ready {
				if err := s.writeBlock(ctx, b); err != nil {
					return err
				}
			}

		case <-tick.C:
			for {
				b, ok := s.pipe.Pull()
				if !ok {
					break
				}
				if err := s.writeBlock(ctx, b); err != nil {
					return err
				}
			}

		case r := <-s.reports:
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("ingest: encode report: %w", err)
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}
	}
}

func (s *session) writeBlock(ctx context.Context, b audio.Block) error {
	packets, err := s.codec.Encode(b)
	if err != nil {
		return err
	}
	for _, p := range packets {
		msg := AppendFrame(make([]byte, 0, HeaderSize+len(p.Data)), Header{Type: TypeBlock, Timestamp: p.Timestamp}, p.Data)
		if err := s.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			return err
		}
	}
	return nil
}
