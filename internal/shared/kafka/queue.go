package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Fetcher é a parte do *kafka.Reader usada pela Queue.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Delivery é uma mensagem entregue ao consumer. Attempt começa em 1 e
// cresce a cada requeue da mesma mensagem.
type Delivery struct {
	Key     []byte
	Body    []byte
	Attempt int

	msg kafka.Message
}

// Queue dá semântica de ack/reject a um reader de consumer group. Ack commita
// o offset. Reject com requeue guarda a mensagem e entrega de novo no próximo
// Receive, depois do backoff, então nada atrás dela na partição é processado
// antes. Reject sem requeue commita (descarta).
type Queue struct {
	r       Fetcher
	backoff time.Duration

	mu      sync.Mutex
	pending *Delivery
}

func NewQueue(r Fetcher, backoff time.Duration) *Queue {
	return &Queue{r: r, backoff: backoff}
}

// Receive bloqueia até ter mensagem ou o ctx acabar.
func (q *Queue) Receive(ctx context.Context) (Delivery, error) {
	q.mu.Lock()
	p := q.pending
	q.pending = nil
	q.mu.Unlock()

	if p != nil {
		if q.backoff > 0 {
			t := time.NewTimer(q.backoff)
			defer t.Stop()
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.pending = p
				q.mu.Unlock()
				return Delivery{}, ctx.Err()
			case <-t.C:
			}
		}
		return *p, nil
	}

	m, err := q.r.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Key: m.Key, Body: m.Value, Attempt: 1, msg: m}, nil
}

func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	return q.r.CommitMessages(ctx, d.msg)
}

func (q *Queue) Reject(ctx context.Context, d Delivery, requeue bool) error {
	if !requeue {
		return q.r.CommitMessages(ctx, d.msg)
	}
	d.Attempt++
	q.mu.Lock()
	q.pending = &d
	q.mu.Unlock()
	return nil
}

func (q *Queue) Close() error {
	return q.r.Close()
}
