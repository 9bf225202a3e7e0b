package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SpanRecord is a finished span kept by Console.
type SpanRecord struct {
	Name       string
	Attributes Attributes
	Err        error
	Duration   time.Duration
}

// Console logs spans and counter increments through zap and keeps them in
// memory so they can be inspected.
type Console struct {
	log *zap.Logger

	mu     sync.Mutex
	spans  []SpanRecord
	counts map[string]map[string]int64
}

// NewConsole creates a console SpanCreator. A nil logger discards output.
func NewConsole(log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{
		log:    log,
		counts: make(map[string]map[string]int64),
	}
}

func (c *Console) StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, Span) {
	c.log.Debug("span started", zap.String("span", name), zap.Any("attributes", attrs))
	return ctx, &consoleSpan{
		owner: c,
		rec:   SpanRecord{Name: name, Attributes: attrs.Merge(nil)},
		start: time.Now(),
	}
}

func (c *Console) Counter(name, _, _ string, attrs Attributes) Counter {
	return &consoleCounter{owner: c, name: name, base: attrs}
}

func (c *Console) Flush(context.Context) error {
	return c.log.Sync()
}

// Spans returns finished spans in end order.
func (c *Console) Spans() []SpanRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SpanRecord, len(c.spans))
	copy(out, c.spans)
	return out
}

// Total returns the summed increments of counter name whose attributes
// include every key/value in match.
func (c *Console) Total(name string, match Attributes) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := attributeKey(match)
	var total int64
	for key, n := range c.counts[name] {
		if containsAll(key, want) {
			total += n
		}
	}
	return total
}

type consoleSpan struct {
	owner *Console
	rec   SpanRecord
	start time.Time
	once  sync.Once
}

func (s *consoleSpan) SetAttributes(attrs Attributes) {
	for k, v := range attrs {
		s.rec.Attributes[k] = v
	}
}

func (s *consoleSpan) RecordError(err error) {
	s.rec.Err = err
}

func (s *consoleSpan) End() {
	s.once.Do(func() {
		s.rec.Duration = time.Since(s.start)

		s.owner.mu.Lock()
		s.owner.spans = append(s.owner.spans, s.rec)
		s.owner.mu.Unlock()

		fields := []zap.Field{
			zap.String("span", s.rec.Name),
			zap.Duration("duration", s.rec.Duration),
			zap.Any("attributes", s.rec.Attributes),
		}
		if s.rec.Err != nil {
			fields = append(fields, zap.Error(s.rec.Err))
		}
		s.owner.log.Debug("span ended", fields...)
	})
}

type consoleCounter struct {
	owner *Console
	name  string
	base  Attributes
}

func (c *consoleCounter) Add(_ context.Context, n int64, attrs Attributes) {
	merged := c.base.Merge(attrs)
	key := strings.Join(attributeKey(merged), "|")

	c.owner.mu.Lock()
	byAttrs, ok := c.owner.counts[c.name]
	if !ok {
		byAttrs = make(map[string]int64)
		c.owner.counts[c.name] = byAttrs
	}
	byAttrs[key] += n
	c.owner.mu.Unlock()

	c.owner.log.Debug("counter incremented",
		zap.String("counter", c.name),
		zap.Int64("amount", n),
		zap.Any("attributes", merged),
	)
}

// attributeKey renders attrs as sorted "k=v" pairs.
func attributeKey(attrs Attributes) []string {
	pairs := make([]string, 0, len(attrs))
	for k, v := range attrs {
		pairs = append(pairs, k+"="+fmt.Sprint(v))
	}
	sort.Strings(pairs)
	return pairs
}

func containsAll(key string, want []string) bool {
	have := strings.Split(key, "|")
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
