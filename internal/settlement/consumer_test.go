package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/stockhold-api/internal/types"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu      sync.Mutex
	letters []kafka.Message
	fail    int
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("kafka: broker unavailable")
	}
	w.letters = append(w.letters, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.letters...)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  map[string]int
	errFor func(key string, call int) error
}

func (p *fakeProcessor) ProcessWebhook(_ context.Context, event *WebhookEvent) (*types.WebhookResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[event.IdempotencyKey]++
	if p.errFor != nil {
		if err := p.errFor(event.IdempotencyKey, p.calls[event.IdempotencyKey]); err != nil {
			return nil, err
		}
	}
	return &types.WebhookResult{OrderID: event.OrderID, Status: types.OrderStatusPaid}, nil
}

func (p *fakeProcessor) callsFor(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[key]
}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "payment-webhooks", Offset: offset, Value: []byte(value)}
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	reader := newFakeReader(
		message(1, `{"idempotency_key":"a","order_id":1,"status":"success"}`),
		message(2, `{"idempotency_key":"b","order_id":2,"status":"failure"}`),
	)
	processor := &fakeProcessor{}
	writer := &fakeWriter{}
	consumer := newConsumer(reader, writer, processor)

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	assert.Equal(t, 1, processor.callsFor("a"))
	assert.Equal(t, 1, processor.callsFor("b"))
	assert.Empty(t, writer.written())
	assert.True(t, reader.closed)
	assert.True(t, writer.closed)
}

func TestConsumer_DeadLettersMalformedMessages(t *testing.T) {
	reader := newFakeReader(message(7, `not json`))
	processor := &fakeProcessor{}
	writer := &fakeWriter{}
	consumer := newConsumer(reader, writer, processor)

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())
	assert.Empty(t, processor.calls)

	letters := writer.written()
	require.Len(t, letters, 1)
	assert.Equal(t, "not json", string(letters[0].Value))
	assert.Equal(t, "7", header(letters[0], "x-source-offset"))
}

func TestConsumer_DropsFailuresWithoutDeadLetterTopic(t *testing.T) {
	reader := newFakeReader(message(7, `not json`))
	consumer := newConsumer(reader, nil, &fakeProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())
}

func TestConsumer_RetriesRetryableErrors(t *testing.T) {
	processor := &fakeProcessor{errFor: func(_ string, call int) error {
		if call < 3 {
			return types.ErrOrderNotVisible
		}
		return nil
	}}
	writer := &fakeWriter{}
	consumer := newConsumer(newFakeReader(), writer, processor)
	consumer.retryDelay = time.Millisecond

	consumer.handleMessage(context.Background(), message(1, `{"idempotency_key":"late","order_id":9,"status":"success"}`))

	assert.Equal(t, 3, processor.callsFor("late"))
	assert.Empty(t, writer.written())
}

func TestConsumer_GivesUpAfterRetries(t *testing.T) {
	processor := &fakeProcessor{errFor: func(string, int) error {
		return types.ErrTransient
	}}
	writer := &fakeWriter{}
	consumer := newConsumer(newFakeReader(), writer, processor)
	consumer.retryDelay = time.Millisecond

	msg := message(1, `{"idempotency_key":"busy","order_id":9,"status":"success"}`)
	msg.Key = []byte("busy")
	consumer.handleMessage(context.Background(), msg)

	assert.Equal(t, 3, processor.callsFor("busy"))

	letters := writer.written()
	require.Len(t, letters, 1)
	assert.Equal(t, msg.Value, letters[0].Value)
	assert.Equal(t, "busy", string(letters[0].Key))
	assert.Equal(t, types.ErrTransient.Error(), header(letters[0], "x-error"))
	assert.Equal(t, "payment-webhooks", header(letters[0], "x-source-topic"))
	assert.Equal(t, "1", header(letters[0], "x-source-offset"))
}

func TestConsumer_RetriesDeadLetterWrites(t *testing.T) {
	reader := newFakeReader(message(4, `{"idempotency_key":"busy","order_id":9,"status":"success"}`))
	processor := &fakeProcessor{errFor: func(string, int) error {
		return types.ErrTransient
	}}
	writer := &fakeWriter{fail: 2}
	consumer := newConsumer(reader, writer, processor)
	consumer.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())
	assert.Len(t, writer.written(), 1)
}

func TestConsumer_KeepsOffsetWhenDeadLetterUnavailable(t *testing.T) {
	reader := newFakeReader(message(4, `{"idempotency_key":"busy","order_id":9,"status":"success"}`))
	processor := &fakeProcessor{errFor: func(string, int) error {
		return types.ErrTransient
	}}
	writer := &fakeWriter{fail: 1 << 30}
	consumer := newConsumer(reader, writer, processor)
	consumer.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	assert.Eventually(t, func() bool {
		return processor.callsFor("busy") == 3
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())
	assert.Empty(t, reader.committedOffsets())
	assert.Empty(t, writer.written())
}

func TestConsumer_DoesNotRetryConflicts(t *testing.T) {
	processor := &fakeProcessor{errFor: func(string, int) error {
		return types.ErrOrderAlreadyProcessed
	}}
	writer := &fakeWriter{}
	consumer := newConsumer(newFakeReader(), writer, processor)
	consumer.retryDelay = time.Millisecond

	consumer.handleMessage(context.Background(), message(1, `{"idempotency_key":"done","order_id":9,"status":"failure"}`))

	assert.Equal(t, 1, processor.callsFor("done"))
	assert.Empty(t, writer.written(), "conflicts are final and not dead-lettered")
}
