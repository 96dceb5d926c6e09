package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/messaging"
)

// ConnectionState reports whether a broker connection is up
type ConnectionState interface {
	IsConnected() bool
}

// QueueDepthReporter reports ready message counts keyed by queue name
type QueueDepthReporter interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "broker_connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that the queues are reachable and flags a growing
// dead-letter queue
type QueueChecker struct {
	reporter        QueueDepthReporter
	deadLetterQueue string
	threshold       int
}

// NewQueueChecker creates a queue checker that turns degraded once
// deadLetterQueue holds more than threshold messages
func NewQueueChecker(reporter QueueDepthReporter, deadLetterQueue string, threshold int) *QueueChecker {
	return &QueueChecker{
		reporter:        reporter,
		deadLetterQueue: deadLetterQueue,
		threshold:       threshold,
	}
}

func (c *QueueChecker) Name() string {
	return "queues"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depths, err := c.reporter.QueueDepths(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Queues not accessible"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	for name, depth := range depths {
		result.Details[name] = depth
	}

	result.Status = StatusHealthy
	result.Message = "Queues are accessible"
	if depth := depths[c.deadLetterQueue]; c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Dead-letter queue %s holds %d messages", c.deadLetterQueue, depth)
	}
	result.Duration = time.Since(start)
	return result
}

// ContainerChecker is implemented by blob stores that can check a
// container with one bounded request
type ContainerChecker interface {
	CheckContainer(ctx context.Context, container string) error
}

// healthBlobName is the blob name looked up when the store cannot check
// containers itself; it is never written
const healthBlobName = ".largemsg-health"

// BlobStoreChecker checks that the payload container is reachable. It makes
// one request however many blobs the container holds.
type BlobStoreChecker struct {
	store     messaging.BlobStore
	container string
}

// NewBlobStoreChecker creates a new blob store checker
func NewBlobStoreChecker(store messaging.BlobStore, container string) *BlobStoreChecker {
	return &BlobStoreChecker{
		store:     store,
		container: container,
	}
}

func (c *BlobStoreChecker) Name() string {
	return "blob_store"
}

func (c *BlobStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"container": c.container},
	}

	if err := c.reach(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Container %s not accessible", c.container)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Container %s is accessible", c.container)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

func (c *BlobStoreChecker) reach(ctx context.Context) error {
	if checker, ok := c.store.(ContainerChecker); ok {
		return checker.CheckContainer(ctx, c.container)
	}
	// A missing blob still proves the container answered
	_, err := c.store.Metadata(ctx, contracts.NewBlobPointer(c.container, healthBlobName))
	if err != nil && !errors.Is(err, messaging.ErrBlobNotFound) {
		return err
	}
	return nil
}
