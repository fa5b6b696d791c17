// Package rabbitmq manages the AMQP 0-9-1 connection used by the RabbitMQ
// management transport.
//
// ConnectionManager dials the broker, hands out channels and reconnects
// with exponential backoff when the broker closes the connection. Links
// built on a channel notice the loss through their delivery channel and
// are reopened by their owner once the manager is connected again.
package rabbitmq
