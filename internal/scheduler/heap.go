// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package scheduler

import "time"

// entry is one scheduled task in the min-heap, keyed so a reschedule of
// the same key replaces the pending due time instead of stacking timers.
type entry struct {
	key   string
	dueAt time.Time
	task  Task
	index int // position in the heap array, kept for O(log n) updates
}

// taskHeap is a min-heap of entries ordered by due time with a parallel
// map for O(1) key lookup. Not goroutine-safe; the Scheduler serializes
// access under its own mutex.
type taskHeap struct {
	heap  []*entry
	byKey map[string]*entry
}

func newTaskHeap() *taskHeap {
	return &taskHeap{
		heap:  make([]*entry, 0),
		byKey: make(map[string]*entry),
	}
}

// push adds a task or, when the key exists, replaces its due time and fn.
func (h *taskHeap) push(key string, dueAt time.Time, task Task) {
	if existing, ok := h.byKey[key]; ok {
		existing.dueAt = dueAt
		existing.task = task
		h.fix(existing.index)
		return
	}

	e := &entry{key: key, dueAt: dueAt, task: task, index: len(h.heap)}
	h.heap = append(h.heap, e)
	h.byKey[key] = e
	h.bubbleUp(e.index)
}

// peek returns the earliest entry without removing it, or nil when empty.
func (h *taskHeap) peek() *entry {
	if len(h.heap) == 0 {
		return nil
	}
	return h.heap[0]
}

// popDue removes and returns every entry due at or before now, in order.
func (h *taskHeap) popDue(now time.Time) []*entry {
	var due []*entry
	for len(h.heap) > 0 && !h.heap[0].dueAt.After(now) {
		due = append(due, h.removeAt(0))
	}
	return due
}

// remove deletes the entry with the given key, reporting whether it existed.
func (h *taskHeap) remove(key string) bool {
	e, ok := h.byKey[key]
	if !ok {
		return false
	}
	h.removeAt(e.index)
	return true
}

// get returns the entry for key, or nil.
func (h *taskHeap) get(key string) *entry {
	return h.byKey[key]
}

func (h *taskHeap) len() int {
	return len(h.heap)
}

// removeAt removes the element at index i, preserving the heap property.
func (h *taskHeap) removeAt(i int) *entry {
	n := len(h.heap) - 1
	e := h.heap[i]
	delete(h.byKey, e.key)

	if i == n {
		h.heap = h.heap[:n]
		return e
	}

	h.heap[i] = h.heap[n]
	h.heap[i].index = i
	h.heap = h.heap[:n]
	h.fix(i)
	return e
}

// fix restores the heap property after the entry at i changed.
func (h *taskHeap) fix(i int) {
	if h.bubbleUp(i) {
		return
	}
	h.bubbleDown(i)
}

// bubbleUp moves the element at i toward the root. Returns true if it moved.
func (h *taskHeap) bubbleUp(i int) bool {
	moved := false
	for i > 0 {
		parent := (i - 1) / 2
		if !h.heap[i].dueAt.Before(h.heap[parent].dueAt) {
			break
		}
		h.swap(i, parent)
		i = parent
		moved = true
	}
	return moved
}

// bubbleDown moves the element at i toward the leaves.
func (h *taskHeap) bubbleDown(i int) {
	n := len(h.heap)
	for {
		smallest := i
		left := 2*i + 1
		right := 2*i + 2

		if left < n && h.heap[left].dueAt.Before(h.heap[smallest].dueAt) {
			smallest = left
		}
		if right < n && h.heap[right].dueAt.Before(h.heap[smallest].dueAt) {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *taskHeap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.heap[i].index = i
	h.heap[j].index = j
}
