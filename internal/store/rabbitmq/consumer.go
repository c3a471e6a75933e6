package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatsupport/relay/internal/chat"
)

// Handler executes persist+relay for one job. Called at-least-once: a
// retried delivery re-runs the whole unit.
type Handler func(ctx context.Context, job chat.InboundJob) error

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Consumer runs the bounded worker pool draining the ingestion queue.
// Failed jobs are republished to the retry queue with a growing TTL until
// maxAttempts, then rejected into the DLQ with an operator-visible log.
// A dropped broker connection mid-run is re-established with backoff; the
// consumer only stops when its context is cancelled.
//
// No cross-job ordering is guaranteed: with concurrency > 1, two rapid
// messages from the same session may persist out of send order. Accepted
// limitation; strict per-session ordering would need partitioning by
// session id.
type Consumer struct {
	url         string
	queue       string
	concurrency int
	maxAttempts int

	mu   sync.RWMutex // guards conn/ch across reconnects
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(url, queue string, concurrency, maxAttempts int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	c := &Consumer{
		url:         url,
		queue:       queue,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect (re)establishes the broker connection, topology, and prefetch.
func (c *Consumer) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, c.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("qos: %w", err)
	}

	c.conn, c.ch = conn, ch
	return nil
}

func (c *Consumer) channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled, then drains the in-flight workers.
// A closed delivery channel triggers a reconnect rather than a stop, so a
// broker restart does not strand the service publishing into the void.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	log.Printf("queue consumer started queue=%s concurrency=%d maxAttempts=%d", c.queue, c.concurrency, c.maxAttempts)

	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handleDelivery(ctx, workerID, d, handle)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		deliveries, err := c.channel().Consume(c.queue, "", false, false, false, false, nil)
		if err != nil {
			log.Printf("queue consume failed queue=%s err=%v", c.queue, err)
			if !c.reconnect(ctx) {
				return nil
			}
			continue
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				log.Printf("queue consumer shutting down queue=%s", c.queue)
				return nil

			case d, ok := <-deliveries:
				if !ok {
					log.Printf("queue delivery channel closed queue=%s, reconnecting", c.queue)
					if !c.reconnect(ctx) {
						return nil
					}
					break drain
				}
				jobs <- d
			}
		}
	}
}

// reconnect retries connect with capped exponential backoff. Returns false
// once ctx is cancelled.
func (c *Consumer) reconnect(ctx context.Context) bool {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			log.Printf("queue consumer shutting down queue=%s", c.queue)
			return false
		case <-time.After(backoff):
		}

		if err := c.connect(); err != nil {
			log.Printf("queue reconnect failed queue=%s backoff=%s err=%v", c.queue, backoff, err)
			backoff = nextBackoff(backoff)
			continue
		}
		log.Printf("queue reconnected queue=%s", c.queue)
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("worker=%d panic: %v", workerID, rec)
			_ = d.Nack(false, false)
		}
	}()

	var job chat.InboundJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.SessionID == "" {
		log.Printf("worker=%d bad message err=%v body=%q", workerID, err, d.Body)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, job); err != nil {
		c.retryOrReject(workerID, d, job, err, time.Since(start))
		return
	}

	if err := d.Ack(false); err != nil {
		log.Printf("worker=%d ack failed session=%s err=%v", workerID, job.SessionID, err)
	}
}

// retryOrReject republishes a failed job to the retry queue with a linear
// backoff TTL, or dead-letters it once the attempt budget is spent.
func (c *Consumer) retryOrReject(workerID int, d amqp.Delivery, job chat.InboundJob, cause error, cost time.Duration) {
	attempt := attemptsFrom(d.Headers)

	if int(attempt) >= c.maxAttempts {
		log.Printf("worker=%d job dead-lettered session=%s attempts=%d cost=%s err=%v",
			workerID, job.SessionID, attempt, cost, cause)
		_ = d.Nack(false, false) // main queue dead-letters into the DLQ
		return
	}

	backoff := time.Duration(attempt) * time.Second
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(backoff.Milliseconds(), 10),
		Headers:      amqp.Table{attemptsHeader: attempt + 1},
	}

	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.channel().PublishWithContext(pctx, "", c.queue+".retry", false, false, pub); err != nil {
		log.Printf("worker=%d retry publish failed session=%s err=%v cause=%v", workerID, job.SessionID, err, cause)
		_ = d.Nack(false, false)
		return
	}

	log.Printf("worker=%d job retry session=%s attempt=%d backoff=%s cost=%s err=%v",
		workerID, job.SessionID, attempt+1, backoff, cost, cause)
	_ = d.Ack(false)
}

func attemptsFrom(headers amqp.Table) int32 {
	v, ok := headers[attemptsHeader]
	if !ok {
		return 1
	}
	switch n := v.(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	case int:
		return int32(n)
	default:
		return 1
	}
}
