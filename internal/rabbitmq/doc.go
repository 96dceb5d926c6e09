// Package rabbitmq provides the RabbitMQ plumbing behind the broker transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with exponential backoff
//   - ChannelPool: confirm-mode channels for publishing and declarations
//   - Publisher: mandatory publishes that wait for broker confirms
//   - Receiver: basic.get polling on a dedicated channel
//   - TopologyManager: declares a work queue with its dead-letter, deferred and delay queues
//     and inspects their depth
package rabbitmq
