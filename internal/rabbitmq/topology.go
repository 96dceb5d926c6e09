package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue name suffixes for the sub-queues of a work queue
const (
	DeadLetterSuffix = ".dlq"
	DeferredSuffix   = ".deferred"
	DelaySuffix      = ".delay"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Topology is the set of queues one work queue needs
type Topology struct {
	Queues []QueueDeclaration
}

// QueueNames holds the names derived from a work queue
type QueueNames struct {
	Main       string
	DeadLetter string
	Deferred   string
	Delay      string
}

// NamesFor derives the sub-queue names of queue
func NamesFor(queue string) QueueNames {
	return QueueNames{
		Main:       queue,
		DeadLetter: queue + DeadLetterSuffix,
		Deferred:   queue + DeferredSuffix,
		Delay:      queue + DelaySuffix,
	}
}

// QueueTopology returns the declarations for queue: the main queue, its
// dead-letter and deferred sub-queues, and a delay queue whose expired
// messages dead-letter back into the main queue through the default exchange.
func QueueTopology(queue string) (Topology, error) {
	if strings.TrimSpace(queue) == "" {
		return Topology{}, fmt.Errorf("%w: queue name is required", ErrInvalidTopology)
	}
	names := NamesFor(queue)

	return Topology{
		Queues: []QueueDeclaration{
			{Name: names.Main, Durable: true},
			{Name: names.DeadLetter, Durable: true},
			{Name: names.Deferred, Durable: true},
			{
				Name:    names.Delay,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    "",
					"x-dead-letter-routing-key": names.Main,
				},
			},
		},
	}, nil
}

// TopologyManager declares queues
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares every queue of topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch.Channel, queue); err != nil {
				return &TopologyError{
					Component: "queue",
					Name:      queue.Name,
					Op:        "declare",
					Err:       err,
					Timestamp: time.Now(),
				}
			}
		}
		return nil
	})
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	if queue.Name == "" {
		return amqp.Queue{}, ErrInvalidTopology
	}
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// InspectQueue returns the current depth and consumer count of an existing
// queue. A missing queue closes the channel, which the pool then discards.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var queue amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      name,
				Op:        "inspect",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		queue = q
		return nil
	})
	return queue, err
}
