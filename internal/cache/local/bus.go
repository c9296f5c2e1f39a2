// Package local provides an in-process SignalBus for deployments without Redis.
package local

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// maxStreamLen matches the approximate trim of the Redis streams.
const maxStreamLen = 50000

type subscription struct {
	pattern string
	ch      chan []byte
}

// Bus implements domain.SignalBus in memory. Slow subscribers lose messages
// rather than block publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	streams map[string][]domain.StreamMessage
	seq     map[string]uint64
	buffer  int
}

// NewBus creates a Bus whose subscriber channels hold buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:    make(map[*subscription]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		seq:     make(map[string]uint64),
		buffer:  buffer,
	}
}

// Publish delivers payload to every subscription whose channel or glob
// pattern matches.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel fed until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, err
	}
	s := &subscription{pattern: channel, ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend adds an entry with a monotonically increasing id.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	entries := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq[stream], 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(entries) > maxStreamLen {
		entries = entries[len(entries)-maxStreamLen:]
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. An empty lastID or
// "0" reads from the start.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseSeq(lastID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.StreamMessage, 0)
	for _, m := range b.streams[stream] {
		seq, _ := parseSeq(m.ID)
		if seq <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseSeq(id string) (uint64, error) {
	if id == "" || id == "0" {
		return 0, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseUint(id, 10, 64)
}

var _ domain.SignalBus = (*Bus)(nil)
