package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Notification announces a newly enqueued job. It is a hint only; the
// store remains the source of truth.
type Notification struct {
	JobID     string `json:"job_id"`
	QueueName string `json:"queue_name"`
}

// Notifier publishes enqueue notifications with the queue name as routing key
type Notifier struct {
	client *Client
}

// NewNotifier creates a Notifier on an initialized client
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyEnqueued publishes one notification
func (n *Notifier) NotifyEnqueued(ctx context.Context, jobID, queueName string) error {
	body, err := json.Marshal(Notification{JobID: jobID, QueueName: queueName})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return n.client.PublishWithRetry(ctx, queueName, body, "application/json")
}

// BindingKeys returns the routing keys a worker serving queues binds to.
// No queues means every queue.
func BindingKeys(queues []string) []string {
	if len(queues) == 0 {
		return []string{"#"}
	}
	return append([]string(nil), queues...)
}

// WakeUps subscribes for the given queues and returns a channel that
// receives a value whenever at least one notification arrived since the
// last receive. The channel closes when the subscription ends.
func (c *Client) WakeUps(queues []string, consumerTag string) (<-chan struct{}, error) {
	deliveries, err := c.Subscribe(BindingKeys(queues), consumerTag)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go coalesce(deliveries, out, c.logger)
	return out, nil
}

// coalesce forwards deliveries as wake-ups without ever blocking the
// consumer; bursts collapse into a single pending signal
func coalesce(deliveries <-chan amqp.Delivery, out chan<- struct{}, logger *slog.Logger) {
	defer close(out)
	for d := range deliveries {
		var n Notification
		if err := json.Unmarshal(d.Body, &n); err == nil {
			logger.Debug("Enqueue notification received",
				slog.String("job_id", n.JobID),
				slog.String("queue", n.QueueName),
			)
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}
