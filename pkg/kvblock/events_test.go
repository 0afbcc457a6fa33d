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

package kvblock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/kvevents"
)

func TestManagerEmitsBlockEvents(t *testing.T) {
	ctx := context.Background()
	sink := kvevents.NewBatchSink(nil)
	m, err := kvblock.NewManager(ctx, &kvblock.Config{
		NumKVBlocks:         2,
		BlockSize:           4,
		NumLayers:           1,
		EnablePrefixCaching: true,
	}, sink)
	require.NoError(t, err)

	g1 := promptGroup(1, 8, 4)
	require.NoError(t, m.Allocate(ctx, g1.First(), 2, g1.PromptIDs()))
	assert.Equal(t, 2, sink.Pending(), "two hashed prompt blocks stored")
	sink.Drain()

	m.FreeSequence(g1.First().ID())
	assert.Zero(t, sink.Pending(), "freeing keeps hashed blocks discoverable")

	// an unrelated prompt scavenges the reclaimable hashed blocks
	g2 := seqGroupWithPrompt(2, []int64{40, 41, 42, 43, 44, 45, 46, 47})
	require.NoError(t, m.Allocate(ctx, g2.First(), 2, g2.PromptIDs()))

	// two removals (scavenged hashes) and two admissions
	assert.Equal(t, 4, sink.Pending())
}
