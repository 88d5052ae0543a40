// Package rabbitmq provides the RabbitMQ plumbing of the job queue.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel of a worker
//     and reports when the broker closes either of them
//   - Names: the naming convention shared with every producer of the queue
//   - TopologyManager: declares the main/error topology and per-delay retry queues
//   - Publisher: confirm-mode publishing shared by every writer of a worker
//   - BatchPublisher: stages job messages and flushes them as one batch
//   - Consumer: a single manual-ack consumer with prefetch one
//   - Inspector: queue depth over AMQP passive declares
//
// There is no reconnection. A worker that loses its connection exits and
// is restarted by its supervisor, which redeclares the topology from
// scratch.
package rabbitmq
