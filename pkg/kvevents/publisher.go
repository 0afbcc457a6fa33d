/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvevents

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// Config holds the configuration for the event publisher.
type Config struct {
	// Endpoint is the ZMQ address to connect the PUB socket to,
	// e.g. "tcp://127.0.0.1:5557".
	Endpoint string `json:"endpoint"`
	// Topic identifies this engine on the wire, e.g. "kv.engine-0".
	Topic string `json:"topic"`
}

// DefaultConfig returns a default publisher configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "tcp://127.0.0.1:5557",
		Topic:    "kv",
	}
}

// Publisher sends KV cache event batches to a ZMQ endpoint. Messages carry
// the topic, a big-endian sequence number for ordering, and the msgpack
// payload.
type Publisher struct {
	socket *zmq.Socket
	topic  string
	seqNum uint64
}

// NewPublisher creates a new ZMQ publisher.
func NewPublisher(config *Config) (*Publisher, error) {
	if config == nil {
		config = DefaultConfig()
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Connect(config.Endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Endpoint, err)
	}

	return &Publisher{
		socket: socket,
		topic:  config.Topic,
	}, nil
}

// PublishBatch publishes one event batch.
func (p *Publisher) PublishBatch(ctx context.Context, batch *EventBatch) error {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	seq := atomic.AddUint64(&p.seqNum, 1)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	if _, err := p.socket.SendMessage(p.topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("published event batch",
		"topic", p.topic, "seq", seq, "events", len(batch.Events))
	return nil
}

// Close closes the publisher and cleans up resources.
func (p *Publisher) Close() error {
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}

// BatchSink implements the block manager's event sink: it accumulates
// events on the pipeline thread and ships them as one batch per pipeline
// step via Flush. A nil publisher turns it into an in-memory recorder,
// which tests use directly.
type BatchSink struct {
	mu        sync.Mutex
	pending   []msgpack.RawMessage
	publisher *Publisher
}

// NewBatchSink creates a sink in front of publisher (which may be nil).
func NewBatchSink(publisher *Publisher) *BatchSink {
	return &BatchSink{publisher: publisher}
}

func (s *BatchSink) record(ev Event) {
	payload, err := msgpack.Marshal(ev.ToTaggedUnion())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, payload)
	s.mu.Unlock()
}

// BlockStored records a hashed-block admission.
func (s *BatchSink) BlockStored(hash uint64, parentHash *uint64, tokenIDs []int64, blockSize int) {
	s.record(BlockStored{
		BlockHashes:     []uint64{hash},
		ParentBlockHash: parentHash,
		TokenIds:        append([]int64(nil), tokenIDs...),
		BlockSize:       blockSize,
	})
}

// BlockRemoved records a hashed-block removal.
func (s *BatchSink) BlockRemoved(hash uint64) {
	s.record(BlockRemoved{BlockHashes: []uint64{hash}})
}

// Pending returns the number of buffered events.
func (s *BatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain returns and clears the buffered events.
func (s *BatchSink) Drain() []msgpack.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

// Flush publishes the buffered events as one batch. With no publisher the
// buffer is cleared silently.
func (s *BatchSink) Flush(ctx context.Context) error {
	pending := s.Drain()
	if len(pending) == 0 || s.publisher == nil {
		return nil
	}

	batch := &EventBatch{
		TS:     float64(time.Now().UnixNano()) / float64(time.Second),
		Events: pending,
	}
	return s.publisher.PublishBatch(ctx, batch)
}
