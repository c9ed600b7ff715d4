// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelFiresOnce(t *testing.T) {
	t.Parallel()
	tok := NewCancellationToken()

	assert.False(t, tok.IsCancelled())
	assert.NoError(t, tok.Err())

	assert.True(t, tok.Cancel("user abort"))
	assert.False(t, tok.Cancel("second"))

	assert.True(t, tok.IsCancelled())
	assert.Equal(t, "user abort", tok.Reason())

	var cerr *CancelledError
	require.ErrorAs(t, tok.Err(), &cerr)
	assert.Equal(t, "user abort", cerr.Reason)
}

func TestListenersFireInOrderAtMostOnce(t *testing.T) {
	t.Parallel()
	tok := NewCancellationToken()

	var order []int
	tok.OnCancelled(func(string) { order = append(order, 1) })
	tok.OnCancelled(func(string) { order = append(order, 2) })
	tok.OnCancelled(func(string) { order = append(order, 3) })

	tok.Cancel("stop")
	tok.Cancel("again")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestListenerAfterCancelRunsImmediately(t *testing.T) {
	t.Parallel()
	tok := NewCancellationToken()
	tok.Cancel("stop")

	var got string
	tok.OnCancelled(func(reason string) { got = reason })
	assert.Equal(t, "stop", got)
}

func TestDoneChannelCloses(t *testing.T) {
	t.Parallel()
	tok := NewCancellationToken()

	select {
	case <-tok.Done():
		t.Fatal("done closed before cancel")
	default:
	}

	tok.Cancel("")
	select {
	case <-tok.Done():
	default:
		t.Fatal("done not closed after cancel")
	}
}

func TestConcurrentCancelSingleWinner(t *testing.T) {
	t.Parallel()
	tok := NewCancellationToken()

	fired := 0
	tok.OnCancelled(func(string) { fired++ })

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- tok.Cancel("race")
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, fired)
}

func TestCancelledErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "request was cancelled", (&CancelledError{}).Error())
	assert.Equal(t, "request was cancelled: timeout",
		(&CancelledError{Reason: "timeout"}).Error())
}
