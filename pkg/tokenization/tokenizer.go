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

// Package tokenization defines the tokenizer contract the pipeline
// consumes and a HuggingFace-backed implementation of it.
package tokenization

// Tokenizer is the text/token-id boundary of the pipeline. The pipeline
// treats it as an external collaborator: implementations own vocabulary,
// normalization and special-token rules.
type Tokenizer interface {
	// Encode tokenizes the input string.
	Encode(text string) ([]int64, error)
	// Decode renders token ids back to text.
	Decode(ids []int64) (string, error)

	EOSTokenID() int64
	BOSTokenID() int64
	PadTokenID() int64
}

// equalityProbe is encoded by both tokenizers of a speculative pair to
// decide whether retokenization between them is needed.
const equalityProbe = "Could you please tell me something about continuous batching?"

// Equal reports whether two tokenizers agree on a probe string and on
// their special tokens. Speculative pairs that are Equal skip the
// decode/encode round-trip between pipelines.
func Equal(lhs, rhs Tokenizer) bool {
	if lhs == rhs {
		return true
	}

	lhsIDs, lhsErr := lhs.Encode(equalityProbe)
	rhsIDs, rhsErr := rhs.Encode(equalityProbe)
	if lhsErr != nil || rhsErr != nil {
		return false
	}
	if len(lhsIDs) != len(rhsIDs) {
		return false
	}
	for i := range lhsIDs {
		if lhsIDs[i] != rhsIDs[i] {
			return false
		}
	}

	return lhs.EOSTokenID() == rhs.EOSTokenID() &&
		lhs.BOSTokenID() == rhs.BOSTokenID() &&
		lhs.PadTokenID() == rhs.PadTokenID()
}
