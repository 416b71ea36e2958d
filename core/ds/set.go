// Package ds provides small generic data structures.
package ds

import "fmt"

// Set is an insertion ordered set. It is not safe for concurrent use.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items)), order: make([]T, 0, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds v and reports whether it was not present before.
func (s *Set[T]) Add(v T) bool {
	if s.Contains(v) {
		return false
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

// Remove removes v and reports whether it was present.
func (s *Set[T]) Remove(v T) bool {
	if !s.Contains(v) {
		return false
	}
	delete(s.items, v)
	for i, x := range s.order {
		if x == v {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int { return len(s.items) }

// Oldest returns the first inserted element still present.
func (s *Set[T]) Oldest() (T, bool) {
	if len(s.order) == 0 {
		var zero T
		return zero, false
	}
	return s.order[0], true
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set[T]) Clear() {
	s.items = make(map[T]struct{})
	s.order = nil
}
