package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer time for Kafka and the local read time for stdio.
	Timestamp time.Time

	ack func(context.Context) error
}

// Ack commits the message offset. It is a no-op for stdio.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers  []string
	Group    string
	Topics   []string
	MinBytes int
	MaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newLineConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported consumer driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type kafkaConsumer struct {
	reader *kafka.Reader

	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func stopOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer requires group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes must be >= min bytes", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if kafkaTLSEnabled() {
		rc.Dialer = &kafka.Dialer{Timeout: kafkaDialTimeout, TLS: kafkaTLSConfig()}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

func (c *kafkaConsumer) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if stopOnFetchError(err) || ctx.Err() != nil {
				return
			}
			select {
			case c.errs <- err:
			case <-ctx.Done():
				return
			}
			continue
		}
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ack: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.err = c.reader.Close()
		<-c.done
	})
	return c.err
}

type lineConsumer struct {
	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newLineConsumer(parent context.Context, cfg ConsumerConfig) *lineConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &lineConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgs)
		defer close(c.errs)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1024), maxLine)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case c.msgs <- Message{Value: []byte(line), Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errs <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c
}

func (c *lineConsumer) Messages() <-chan Message { return c.msgs }
func (c *lineConsumer) Errors() <-chan error     { return c.errs }

func (c *lineConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}
