package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"mogipos/internal/state"
)

// Entry is one committed store mutation. Replaying the writes of every
// entry in order rebuilds the store from a snapshot.
type Entry struct {
	Kind   string        `json:"kind"` // put|delete|commit
	Key    string        `json:"key"`
	Writes []state.Write `json:"writes"`
	TS     int64         `json:"ts"`
}

type Writer interface {
	Append(ctx context.Context, e Entry) error
}

// Offsetter is implemented by writers that know how many entries they hold.
type Offsetter interface {
	Offset() int64
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, e Entry) error {
	for _, w := range m.writers {
		if err := w.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Offset reports the offset of the first writer that tracks one, or -1.
func (m *MultiWriter) Offset() int64 {
	for _, w := range m.writers {
		if o, ok := w.(Offsetter); ok {
			return o.Offset()
		}
	}
	return -1
}

func (m *MultiWriter) Close() error {
	var first error
	for _, w := range m.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// FileWriter appends entries as JSON lines.
type FileWriter struct {
	mu     sync.Mutex
	path   string
	offset int64
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir")
	}
	w := &FileWriter{path: filepath.Join(dir, filename)}
	n, err := countLines(w.path)
	if err != nil {
		return nil, err
	}
	w.offset = n
	return w, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "open")
	}
	defer f.Close()
	var n int64
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 16<<20)
	for s.Scan() {
		n++
	}
	return n, errors.Wrap(s.Err(), "scan")
}

func (w *FileWriter) Path() string { return w.path }

// Offset is the number of entries written so far, including earlier runs.
func (w *FileWriter) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *FileWriter) Append(_ context.Context, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return errors.Wrap(err, "encode")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	w.offset++
	return nil
}

// JournalPartition is the only partition journal entries are produced to
// and replayed from, so a single reader sees every entry in commit order.
const JournalPartition = 0

// PinnedBalancer routes every message to JournalPartition whatever its key.
func PinnedBalancer() kafka.Balancer {
	return kafka.BalancerFunc(func(_ kafka.Message, partitions ...int) int {
		for _, p := range partitions {
			if p == JournalPartition {
				return p
			}
		}
		return JournalPartition
	})
}

// KafkaWriter publishes entries to a Kafka topic. Pure-Go client (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     PinnedBalancer(),
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func (k *KafkaWriter) Append(ctx context.Context, e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key), Value: b})
}

func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// txProducer is the part of the confluent producer used by TxKafkaWriter.
type txProducer interface {
	BeginTransaction() error
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	Close()
}

// TxKafkaWriter publishes every entry inside its own Kafka transaction so
// read_committed consumers never observe a half-published entry.
type TxKafkaWriter struct {
	mu       sync.Mutex
	producer txProducer
	topic    string
}

// NewTxKafkaWriter creates an idempotent transactional producer.
func NewTxKafkaWriter(ctx context.Context, bootstrap, topic, txID string) (*TxKafkaWriter, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
		"transactional.id":   txID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "producer")
	}
	if err := p.InitTransactions(ctx); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "init tx")
	}
	return &TxKafkaWriter{producer: p, topic: topic}, nil
}

// NewTxKafkaWriterWith is only for tests to inject a fake producer.
func NewTxKafkaWriterWith(p txProducer, topic string) *TxKafkaWriter {
	return &TxKafkaWriter{producer: p, topic: topic}
}

func (w *TxKafkaWriter) Append(ctx context.Context, e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.producer.BeginTransaction(); err != nil {
		return errors.Wrap(err, "begin tx")
	}
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &w.topic, Partition: JournalPartition},
		Key:            []byte(e.Key),
		Value:          b,
	}
	if err := w.producer.Produce(msg, nil); err != nil {
		_ = w.producer.AbortTransaction(ctx)
		return errors.Wrap(err, "produce")
	}
	if err := w.producer.CommitTransaction(ctx); err != nil {
		_ = w.producer.AbortTransaction(ctx)
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (w *TxKafkaWriter) Close() error {
	w.producer.Close()
	return nil
}

// SplitBrokers turns "a:9092, b:9092" into a broker list.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
