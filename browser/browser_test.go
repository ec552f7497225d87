// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"testing"

	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend simulates the actor's peek stream over a fixed sequence list and
// counts round-trips.
type backend struct {
	sequences []int64
	calls     int
}

func (b *backend) fetch(req *FetchRequest) session.PeekPageResult {
	b.calls++
	var msgs []servicebus.Message
	for _, seq := range b.sequences {
		if seq < req.FromSequence {
			continue
		}
		msgs = append(msgs, servicebus.Message{ID: "m", Sequence: seq})
		if len(msgs) == req.PageSize {
			break
		}
	}
	return session.PeekPageResult{Messages: msgs, Terminal: len(msgs) < req.PageSize}
}

// drive satisfies fetch requests until the browser settles.
func drive(b *Browser, be *backend, req *FetchRequest) {
	for req != nil {
		req = b.ApplyPage(be.fetch(req))
	}
}

func pageSequences(p *Page) []int64 {
	if p == nil {
		return nil
	}
	out := make([]int64, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Sequence)
	}
	return out
}

func TestForwardThenBackBrowsing(t *testing.T) {
	be := &backend{sequences: []int64{10, 11, 12, 13, 14, 15, 16}}
	b := New(3, 100)

	drive(b, be, b.LoadInitial())
	assert.Equal(t, []int64{10, 11, 12}, pageSequences(b.Current()))
	assert.Equal(t, 0, b.CurrentIndex())

	drive(b, be, b.NextPage())
	assert.Equal(t, []int64{13, 14, 15}, pageSequences(b.Current()))

	drive(b, be, b.NextPage())
	assert.Equal(t, []int64{16}, pageSequences(b.Current()))
	assert.True(t, b.Terminal())

	callsBefore := be.calls
	b.PreviousPage()
	assert.Equal(t, []int64{13, 14, 15}, pageSequences(b.Current()))
	b.PreviousPage()
	assert.Equal(t, []int64{10, 11, 12}, pageSequences(b.Current()))
	assert.Equal(t, callsBefore, be.calls, "backward navigation never touches the network")
}

func TestNextPageFromCacheIsPure(t *testing.T) {
	be := &backend{sequences: []int64{1, 2, 3, 4}}
	b := New(2, 100)

	drive(b, be, b.LoadInitial())
	drive(b, be, b.NextPage())
	b.PreviousPage()

	callsBefore := be.calls
	req := b.NextPage()
	assert.Nil(t, req, "cached page must be a pure cursor move")
	assert.Equal(t, callsBefore, be.calls)
	assert.Equal(t, []int64{3, 4}, pageSequences(b.Current()))
}

func TestTerminalNextPageIsNoop(t *testing.T) {
	be := &backend{sequences: []int64{1, 2}}
	b := New(5, 100)

	drive(b, be, b.LoadInitial())
	require.True(t, b.Terminal())

	callsBefore := be.calls
	assert.Nil(t, b.NextPage())
	assert.Equal(t, callsBefore, be.calls, "NextPage past terminal never issues a broker call")
	assert.Equal(t, []int64{1, 2}, pageSequences(b.Current()))
}

func TestEmptyQueueMarksTerminal(t *testing.T) {
	be := &backend{}
	b := New(5, 100)

	drive(b, be, b.LoadInitial())
	assert.True(t, b.Terminal())
	assert.Nil(t, b.Current())
	assert.Nil(t, b.NextPage())
}

func TestPagesStrictlyOrdered(t *testing.T) {
	be := &backend{sequences: []int64{2, 5, 9, 14, 20, 31, 47}}
	b := New(3, 100)

	drive(b, be, b.LoadInitial())
	for !b.Terminal() {
		drive(b, be, b.NextPage())
	}

	var prev int64 = -1
	for i := 0; i < b.PageCount(); i++ {
		b.PreviousPage()
	}
	for i := 0; i < b.PageCount(); i++ {
		page := b.pages[i]
		for _, m := range page.Messages {
			require.Greater(t, m.Sequence, prev,
				"sequences must be strictly increasing within and across pages")
			prev = m.Sequence
		}
	}
}

func TestJumpMaterializesForward(t *testing.T) {
	be := &backend{sequences: []int64{1, 2, 3, 4, 5, 6, 7, 8}}
	b := New(2, 100)

	drive(b, be, b.LoadInitial())
	drive(b, be, b.Jump(3))
	assert.Equal(t, 3, b.CurrentIndex())
	assert.Equal(t, []int64{7, 8}, pageSequences(b.Current()))

	// Jumping past the end lands on the last page.
	drive(b, be, b.Jump(10))
	assert.Equal(t, b.PageCount()-1, b.CurrentIndex())
}

func TestInvalidateVacatesInPlace(t *testing.T) {
	be := &backend{sequences: []int64{10, 11, 12, 13, 14, 15}}
	b := New(3, 100)

	drive(b, be, b.LoadInitial())
	drive(b, be, b.NextPage())

	// Deleting seq 13 vacates the entry; page 1 is left under-full and is
	// not refilled.
	b.Invalidate([]Ref{{ID: "m", Sequence: 13}})
	assert.Equal(t, []int64{14, 15}, pageSequences(b.Current()))
	b.PreviousPage()
	assert.Equal(t, []int64{10, 11, 12}, pageSequences(b.Current()))
}

func TestSelectionSurvivesInvalidationOfOthers(t *testing.T) {
	be := &backend{sequences: []int64{1, 2, 3, 4}}
	b := New(2, 100)
	drive(b, be, b.LoadInitial())

	require.True(t, b.ToggleSelect(Ref{ID: "m", Sequence: 2}))
	b.Invalidate([]Ref{{ID: "m", Sequence: 1}})
	assert.True(t, b.Selected(Ref{ID: "m", Sequence: 2}))

	// Invalidating the selected message drops it from the selection too.
	b.Invalidate([]Ref{{ID: "m", Sequence: 2}})
	assert.False(t, b.Selected(Ref{ID: "m", Sequence: 2}))
	assert.Zero(t, b.SelectionCount())
}

func TestSelectionCap(t *testing.T) {
	b := New(10, 2)
	require.True(t, b.ToggleSelect(Ref{ID: "a", Sequence: 1}))
	require.True(t, b.ToggleSelect(Ref{ID: "b", Sequence: 2}))
	assert.False(t, b.ToggleSelect(Ref{ID: "c", Sequence: 3}), "selection cap must hold")

	// Deselecting frees a slot.
	require.True(t, b.ToggleSelect(Ref{ID: "a", Sequence: 1}))
	assert.True(t, b.ToggleSelect(Ref{ID: "c", Sequence: 3}))
}

func TestPageSizeChangeAppliesToNextFetch(t *testing.T) {
	be := &backend{sequences: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}}
	b := New(3, 100)

	drive(b, be, b.LoadInitial())
	require.Len(t, b.Current().Messages, 3)

	// Loaded pages keep their shape; the new size takes effect for the
	// next uncached fetch.
	b.SetPageSize(2)
	drive(b, be, b.NextPage())
	assert.Len(t, b.Current().Messages, 2)
	b.PreviousPage()
	assert.Len(t, b.Current().Messages, 3)

	// After Refresh all pages use the new size.
	drive(b, be, b.Refresh())
	assert.Len(t, b.Current().Messages, 2)
}

func TestRefreshPrefixStable(t *testing.T) {
	be := &backend{sequences: []int64{5, 6, 7}}
	b := New(2, 100)

	drive(b, be, b.LoadInitial())
	first := pageSequences(b.Current())

	// New messages arrive behind the cursor; the refreshed first page is a
	// prefix-compatible reload.
	be.sequences = append(be.sequences, 8)
	drive(b, be, b.Refresh())
	assert.Equal(t, first, pageSequences(b.Current()))
}
