package queue

import "context"

const (
	// CommandQueueName carries start/pause commands from the API to worker processes.
	CommandQueueName = "broadcast.commands"
	// CommandDLQName receives commands that could not be decoded.
	CommandDLQName = "broadcast.commands.dlq"

	commandRoutingKey = "broadcast.commands"
)

// Publisher publishes job commands.
type Publisher interface {
	Publish(ctx context.Context, cmd JobCommand) error
	Close() error
}

// CommandHandler handles a consumed job command. A returned error requeues the command.
type CommandHandler func(ctx context.Context, cmd JobCommand) error

// Consumer consumes job commands.
type Consumer interface {
	Consume(ctx context.Context, handler CommandHandler) error
	Close() error
}
