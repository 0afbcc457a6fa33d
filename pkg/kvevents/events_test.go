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

package kvevents_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-batching-engine/pkg/kvevents"
)

func decodeTaggedUnion(t *testing.T, raw msgpack.RawMessage) []any {
	t.Helper()
	var fields []any
	require.NoError(t, msgpack.Unmarshal(raw, &fields))
	return fields
}

func TestBatchSinkRecordsBlockStored(t *testing.T) {
	sink := kvevents.NewBatchSink(nil)
	parent := uint64(11)

	sink.BlockStored(42, &parent, []int64{1, 2, 3, 4}, 4)
	sink.BlockRemoved(42)
	require.Equal(t, 2, sink.Pending())

	events := sink.Drain()
	require.Len(t, events, 2)
	assert.Zero(t, sink.Pending())

	stored := decodeTaggedUnion(t, events[0])
	assert.Equal(t, kvevents.BlockStoredEventTag, stored[0])

	removed := decodeTaggedUnion(t, events[1])
	assert.Equal(t, kvevents.BlockRemovedEventTag, removed[0])
}

func TestBatchSinkFlushWithoutPublisherClears(t *testing.T) {
	sink := kvevents.NewBatchSink(nil)
	sink.BlockRemoved(7)

	require.NoError(t, sink.Flush(context.Background()))
	assert.Zero(t, sink.Pending())
}

func TestEventBatchRoundTrip(t *testing.T) {
	payload, err := msgpack.Marshal(kvevents.BlockStored{
		BlockHashes: []uint64{5},
		TokenIds:    []int64{9, 8},
		BlockSize:   4,
	}.ToTaggedUnion())
	require.NoError(t, err)

	batch := &kvevents.EventBatch{TS: 12.5, Events: []msgpack.RawMessage{payload}}
	encoded, err := msgpack.Marshal(batch)
	require.NoError(t, err)

	var decoded kvevents.EventBatch
	require.NoError(t, msgpack.Unmarshal(encoded, &decoded))
	assert.InDelta(t, 12.5, decoded.TS, 1e-9)
	require.Len(t, decoded.Events, 1)

	fields := decodeTaggedUnion(t, decoded.Events[0])
	assert.Equal(t, kvevents.BlockStoredEventTag, fields[0])
}
