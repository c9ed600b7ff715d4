// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeStateRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []CompositeState{
		{TxnID: "txn-1"},
		{TxnID: "txn-1", ClientState: "cs-1", ClientRedirect: "https://app.example/cb", SessionID: "sid-1"},
		{TxnID: "txn-2", ClientState: "with spaces & symbols?"},
	}
	for _, want := range tests {
		encoded, err := want.Encode()
		require.NoError(t, err)

		got, err := DecodeState(encoded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "!!!", "bm90IGpzb24", "e30"} {
		_, err := DecodeState(input)
		assert.Error(t, err, "input %q", input)
	}
}
