package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

const streamMaxLen = 10000

// SignalBus is an in-process domain.SignalBus. Channel names may use the
// same glob wildcards Redis PSUBSCRIBE accepts.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[int]subscription
	nextSub int
	streams map[string]*stream
}

type subscription struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	seq     uint64
	entries []domain.StreamMessage
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[int]subscription),
		streams: make(map[string]*stream),
	}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// drop messages rather than block the publisher.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel closed when ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, 128)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends to a bounded in-memory stream.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      strconv.FormatUint(s.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(s.entries) > streamMaxLen {
		s.entries = s.entries[len(s.entries)-streamMaxLen:]
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start).
func (b *SignalBus) StreamRead(_ context.Context, name, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseStreamID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", name, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	if lastID == "$" {
		after = s.seq
	}
	var out []domain.StreamMessage
	for _, m := range s.entries {
		seq, _ := parseStreamID(m.ID)
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

func parseStreamID(id string) (uint64, error) {
	if id == "" || id == "$" || id == "0" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	return strconv.ParseUint(head, 10, 64)
}

var _ domain.SignalBus = (*SignalBus)(nil)
