package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/healthsphere/internal/ingest"
)

const publishTimeout = 5 * time.Second

var errMissingUser = errors.New("ingest message has no user_id")

// Publisher sends ingest tasks to a durable queue. Rejected deliveries are
// dead-lettered to <queue>.dlq and never requeued.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareQueues declares the main queue and its dead-letter queue. The
// worker calls it too so both sides agree on queue arguments.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	)
	return err
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Enqueue publishes t as a persistent message.
func (p *Publisher) Enqueue(ctx context.Context, t ingest.Task) error {
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    t.JobID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

func EncodeTask(t ingest.Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a delivery body. Tasks without a user are rejected.
func DecodeTask(body []byte) (ingest.Task, error) {
	var t ingest.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return ingest.Task{}, err
	}
	if t.UserID == 0 {
		return ingest.Task{}, errMissingUser
	}
	return t, nil
}
