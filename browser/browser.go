// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package browser builds a bidirectional paginated view over the broker's
// forward-only peek stream. Pages are cached with their first-sequence
// watermarks so backward navigation and revisits never touch the network.
//
// The browser is pure state owned by the UI loop: navigation operations
// return a FetchRequest when a broker round-trip is needed, and the loop
// feeds the actor's response back through ApplyPage. No internal locking,
// no I/O.
package browser

import (
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/session"
)

// Ref names a message by its (id, sequence) pair. Selections are keyed by
// Ref so they survive cache invalidation and page reshaping.
type Ref struct {
	ID       string
	Sequence int64
}

// Page is one cached window of the peek stream. Within a page sequences are
// strictly increasing; across adjacent pages the last sequence of page k is
// strictly less than the first sequence of page k+1.
type Page struct {
	Index    int
	Messages []servicebus.Message
}

// FetchRequest asks the owner to issue a PeekPage against the actor and
// feed the result back via ApplyPage.
type FetchRequest struct {
	FromSequence int64
	PageSize     int
}

// Browser is the lazy page cache over one queue's peek stream.
type Browser struct {
	pageSize int

	pages        []*Page
	current      int
	nextPeekFrom int64
	terminal     bool

	fetching   bool
	jumpTarget int // -1 when no jump is in progress

	selection map[Ref]struct{}
	maxSelect int
}

// New creates an empty browser.
func New(pageSize, maxSelect int) *Browser {
	return &Browser{
		pageSize:   pageSize,
		jumpTarget: -1,
		selection:  make(map[Ref]struct{}),
		maxSelect:  maxSelect,
	}
}

// SetPageSize changes the page size for future uncached fetches. Loaded
// pages keep their shape until the next Refresh.
func (b *Browser) SetPageSize(size int) {
	if size > 0 {
		b.pageSize = size
	}
}

// Current returns the current page, or nil before the initial load.
func (b *Browser) Current() *Page {
	if b.current < 0 || b.current >= len(b.pages) {
		return nil
	}
	return b.pages[b.current]
}

// CurrentIndex returns the current page index.
func (b *Browser) CurrentIndex() int { return b.current }

// PageCount returns how many pages are cached.
func (b *Browser) PageCount() int { return len(b.pages) }

// Terminal reports whether the last page of the stream has been seen.
func (b *Browser) Terminal() bool { return b.terminal }

// Fetching reports whether a fetch is outstanding.
func (b *Browser) Fetching() bool { return b.fetching }

// LoadInitial resets the cursor and requests page 0.
func (b *Browser) LoadInitial() *FetchRequest {
	b.pages = nil
	b.current = 0
	b.nextPeekFrom = 0
	b.terminal = false
	b.jumpTarget = -1
	b.fetching = true
	return &FetchRequest{FromSequence: 0, PageSize: b.pageSize}
}

// Refresh drops every cached page and reloads from the start. The selection
// is kept: it is keyed by ref, not by page position.
func (b *Browser) Refresh() *FetchRequest {
	return b.LoadInitial()
}

// NextPage moves forward. A cached page is a pure cursor move; at the cache
// edge a fetch is requested unless the stream is terminal or a fetch is
// already outstanding.
func (b *Browser) NextPage() *FetchRequest {
	if b.current+1 < len(b.pages) {
		b.current++
		return nil
	}
	if b.terminal || b.fetching {
		return nil
	}
	b.fetching = true
	return &FetchRequest{FromSequence: b.nextPeekFrom, PageSize: b.pageSize}
}

// PreviousPage is a pure cache lookup; it never touches the network.
func (b *Browser) PreviousPage() {
	if b.current > 0 {
		b.current--
	}
}

// Jump navigates to page n, paging forward from the farthest cached page
// until n is materialized or the queue is exhausted.
func (b *Browser) Jump(n int) *FetchRequest {
	if n < 0 {
		return nil
	}
	if n < len(b.pages) {
		b.current = n
		return nil
	}
	if b.terminal || b.fetching {
		if len(b.pages) > 0 {
			b.current = len(b.pages) - 1
		}
		return nil
	}
	b.jumpTarget = n
	b.fetching = true
	return &FetchRequest{FromSequence: b.nextPeekFrom, PageSize: b.pageSize}
}

// ApplyPage ingests a PeekPage result. It returns the next FetchRequest
// when a jump is still short of its target.
func (b *Browser) ApplyPage(res session.PeekPageResult) *FetchRequest {
	b.fetching = false
	if res.Err != nil {
		b.jumpTarget = -1
		return nil
	}

	if len(res.Messages) > 0 {
		page := &Page{Index: len(b.pages), Messages: res.Messages}
		b.pages = append(b.pages, page)
		b.nextPeekFrom = res.Messages[len(res.Messages)-1].Sequence + 1

		if b.jumpTarget < 0 {
			b.current = page.Index
		} else if page.Index >= b.jumpTarget {
			b.current = b.jumpTarget
			b.jumpTarget = -1
		}
	}

	if res.Terminal {
		b.terminal = true
		if b.jumpTarget >= 0 {
			// Queue exhausted before the target: land on the last page.
			if len(b.pages) > 0 {
				b.current = len(b.pages) - 1
			}
			b.jumpTarget = -1
		}
		return nil
	}

	if b.jumpTarget >= len(b.pages) {
		b.fetching = true
		return &FetchRequest{FromSequence: b.nextPeekFrom, PageSize: b.pageSize}
	}
	return nil
}

// Invalidate removes locally mutated messages from the cache in place.
// Pages are left under-full; refilling would perturb page boundaries and
// confuse backward navigation, so Refresh is the only refill path. The
// selection drops the removed refs too.
func (b *Browser) Invalidate(removed []Ref) {
	if len(removed) == 0 {
		return
	}

	gone := make(map[Ref]struct{}, len(removed))
	for _, ref := range removed {
		gone[ref] = struct{}{}
		delete(b.selection, ref)
	}

	for _, page := range b.pages {
		kept := page.Messages[:0]
		for _, msg := range page.Messages {
			if _, hit := gone[Ref{ID: msg.ID, Sequence: msg.Sequence}]; !hit {
				kept = append(kept, msg)
			}
		}
		page.Messages = kept
	}
}

// ToggleSelect flips a message's membership in the selection. Returns false
// when adding would exceed the selection cap.
func (b *Browser) ToggleSelect(ref Ref) bool {
	if _, ok := b.selection[ref]; ok {
		delete(b.selection, ref)
		return true
	}
	if b.maxSelect > 0 && len(b.selection) >= b.maxSelect {
		return false
	}
	b.selection[ref] = struct{}{}
	return true
}

// SelectPage adds the whole current page to the selection, stopping at the
// cap. Returns how many were added.
func (b *Browser) SelectPage() int {
	page := b.Current()
	if page == nil {
		return 0
	}
	added := 0
	for _, msg := range page.Messages {
		ref := Ref{ID: msg.ID, Sequence: msg.Sequence}
		if _, ok := b.selection[ref]; ok {
			continue
		}
		if b.maxSelect > 0 && len(b.selection) >= b.maxSelect {
			break
		}
		b.selection[ref] = struct{}{}
		added++
	}
	return added
}

// Selected reports membership.
func (b *Browser) Selected(ref Ref) bool {
	_, ok := b.selection[ref]
	return ok
}

// Selection returns the selected refs.
func (b *Browser) Selection() []Ref {
	out := make([]Ref, 0, len(b.selection))
	for ref := range b.selection {
		out = append(out, ref)
	}
	return out
}

// SelectionCount returns how many messages are selected.
func (b *Browser) SelectionCount() int { return len(b.selection) }

// ClearSelection empties the selection.
func (b *Browser) ClearSelection() {
	b.selection = make(map[Ref]struct{})
}
