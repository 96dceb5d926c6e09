package rabbitmq

import (
	"context"
	"sync"

	"github.com/glimte/mmate-largemsg/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-process stand-in for the publisher, the receiver and
// the channel that acks deliveries
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string][]amqp.Delivery
	unacked    map[uint64]string
	inFlight   map[uint64]amqp.Delivery
	nextTag    uint64
	published  [][]rabbitmq.PublishMessage
	publishErr error
	// onPublish runs before a publish is applied, outside the broker lock
	onPublish func()
	acked      int
	nacked     int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:   make(map[string][]amqp.Delivery),
		unacked:  make(map[uint64]string),
		inFlight: make(map[uint64]amqp.Delivery),
	}
}

func (b *fakeBroker) PublishBatch(ctx context.Context, messages []rabbitmq.PublishMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, messages)
	for _, m := range messages {
		headers := amqp.Table{}
		for k, v := range m.Message.Headers {
			headers[k] = v
		}
		b.queues[m.RoutingKey] = append(b.queues[m.RoutingKey], amqp.Delivery{
			Headers:     headers,
			ContentType: m.Message.ContentType,
			MessageId:   m.Message.MessageId,
			Timestamp:   m.Message.Timestamp,
			Expiration:  m.Message.Expiration,
			Body:        append([]byte(nil), m.Message.Body...),
			RoutingKey:  m.RoutingKey,
		})
	}
	return nil
}

func (b *fakeBroker) Get(ctx context.Context, queue string) (amqp.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Delivery{}, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	if len(q) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q[0]
	b.queues[queue] = q[1:]

	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = b
	d.MessageCount = uint32(len(q) - 1)
	b.unacked[d.DeliveryTag] = queue
	b.inFlight[d.DeliveryTag] = d
	return d, true, nil
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.unacked[tag]; !ok {
		return amqp.ErrClosed
	}
	delete(b.unacked, tag)
	delete(b.inFlight, tag)
	b.acked++
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.unacked[tag]
	if !ok {
		return amqp.ErrClosed
	}
	d := b.inFlight[tag]
	delete(b.unacked, tag)
	delete(b.inFlight, tag)
	b.nacked++

	if requeue {
		d.Redelivered = true
		d.Acknowledger = nil
		b.queues[queue] = append([]amqp.Delivery{d}, b.queues[queue]...)
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *fakeBroker) peek(queue string) amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[queue][0]
}

func (b *fakeBroker) stats() (acked, nacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked, b.nacked
}

// loseChannel drops every unacked delivery as a closed channel would
func (b *fakeBroker) loseChannel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unacked = make(map[uint64]string)
}

func (b *fakeBroker) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}, nil
}
