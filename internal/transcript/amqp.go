package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// publisher is the subset of *amqp.Channel the sink uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ErrNotConnected is returned by Record while the sink is reconnecting.
var ErrNotConnected = errors.New("amqp: not connected")

// link is one broker connection and channel.
type link struct {
	pub    publisher
	closed <-chan *amqp.Error // closed or signalled when the channel goes away
	close  func() error
}

type dialFunc func() (*link, error)

// AMQPSink publishes each line as a persistent JSON message to a queue.
// When started by DialAMQP it reconnects after the broker drops the
// connection; lines recorded meanwhile fail with ErrNotConnected.
type AMQPSink struct {
	queue  string
	logger *slog.Logger

	dial       dialFunc
	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex // serializes Publish; amqp channels are not concurrent-safe
	pub  publisher
	link *link

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// DialAMQP connects to url, declares a durable queue and keeps the
// connection up until Close.
func DialAMQP(url, queue string, logger *slog.Logger) (*AMQPSink, error) {
	dial := func() (*link, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
		if err != nil {
			return nil, fmt.Errorf("connecting to amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("opening amqp channel: %w", err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declaring amqp queue %s: %w", queue, err)
		}
		return &link{
			pub:    ch,
			closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
			close: func() error {
				ch.Close()
				return conn.Close()
			},
		}, nil
	}

	s, err := startAMQPSink(dial, queue, logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transcript publishing enabled", "queue", queue)
	return s, nil
}

func newAMQPSink(pub publisher, queue string, logger *slog.Logger) *AMQPSink {
	return &AMQPSink{
		pub:        pub,
		queue:      queue,
		logger:     logger.With("subsystem", "transcript-amqp"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// startAMQPSink dials once and starts the goroutine that redials on loss.
func startAMQPSink(dial dialFunc, queue string, logger *slog.Logger) (*AMQPSink, error) {
	l, err := dial()
	if err != nil {
		return nil, err
	}
	s := newAMQPSink(l.pub, queue, logger)
	s.dial = dial
	s.link = l
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.monitor(l.closed)
	return s, nil
}

func (s *AMQPSink) monitor(closed <-chan *amqp.Error) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case cerr := <-closed:
			s.mu.Lock()
			s.pub = nil
			old := s.link
			s.link = nil
			s.mu.Unlock()
			if old != nil {
				old.close() //nolint:errcheck
			}
			s.logger.Warn("amqp connection lost, reconnecting", "error", cerr)

			l, ok := s.reconnect()
			if !ok {
				return
			}
			s.mu.Lock()
			s.pub = l.pub
			s.link = l
			s.mu.Unlock()
			closed = l.closed
			s.logger.Info("amqp connection restored")
		}
	}
}

// reconnect dials with exponential backoff until it succeeds or the sink is
// closed.
func (s *AMQPSink) reconnect() (*link, bool) {
	backoff := s.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-s.stop:
			return nil, false
		case <-time.After(backoff):
		}
		l, err := s.dial()
		if err == nil {
			return l, true
		}
		s.logger.Error("amqp reconnect failed", "attempt", attempt, "error", err)
		if backoff *= 2; backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *AMQPSink) Record(ctx context.Context, l Line) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding transcript line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pub == nil {
		return ErrNotConnected
	}
	err = s.pub.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    l.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing transcript line: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the current connection.
func (s *AMQPSink) Close() error {
	if s.stop != nil {
		s.stopOnce.Do(func() { close(s.stop) })
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = nil
	if s.link == nil {
		return nil
	}
	err := s.link.close()
	s.link = nil
	return err
}
