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

package engine

import (
	"strings"

	"github.com/llm-d/llm-d-batching-engine/pkg/tokenization"
)

// Streamer consumes generated tokens as they are produced. Put returns
// true to stop generation. Streaming is limited to single-request greedy
// or multinomial runs.
type Streamer interface {
	Put(tokenID int64) bool
	End()
}

// TextCallbackStreamer adapts a text callback into a Streamer: it buffers
// token ids, detokenizes incrementally, and forwards only complete
// printable text (an incomplete multi-byte sequence decodes to a trailing
// replacement character and is held back).
type TextCallbackStreamer struct {
	tokenizer tokenization.Tokenizer
	callback  func(text string) bool

	tokenCache []int64
	printLen   int
}

var _ Streamer = &TextCallbackStreamer{}

// NewTextCallbackStreamer wraps callback; callback returning true stops
// generation.
func NewTextCallbackStreamer(tokenizer tokenization.Tokenizer, callback func(text string) bool) *TextCallbackStreamer {
	return &TextCallbackStreamer{
		tokenizer: tokenizer,
		callback:  callback,
	}
}

// Put buffers one token and emits any newly completed text.
func (t *TextCallbackStreamer) Put(tokenID int64) bool {
	t.tokenCache = append(t.tokenCache, tokenID)

	text, err := t.tokenizer.Decode(t.tokenCache)
	if err != nil {
		return false
	}
	if strings.HasSuffix(text, "�") {
		// wait for the rest of the multi-byte sequence
		return false
	}
	if len(text) <= t.printLen {
		return false
	}

	chunk := text[t.printLen:]
	t.printLen = len(text)
	return t.callback(chunk)
}

// End flushes whatever remains buffered.
func (t *TextCallbackStreamer) End() {
	text, err := t.tokenizer.Decode(t.tokenCache)
	if err != nil || len(text) <= t.printLen {
		return
	}
	t.callback(text[t.printLen:])
	t.printLen = len(text)
}
