package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Counter names persisted through Tx.Counter / Tx.SetCounter.
const (
	requestCounter = "request"
	taskCounter    = "task"
)

// sequence is a process-wide monotonic counter. It is seeded from the
// persisted value on first use and every increment is written back through
// the current transaction, so a second writer that also persists through the
// store never observes a reused value. A rolled-back call leaves a gap.
type sequence struct {
	name   string
	mu     sync.Mutex
	value  int64
	seeded bool
}

func (s *sequence) next(tx Tx) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := tx.Counter(s.name)
	if err != nil {
		return 0, fmt.Errorf("reading %s counter: %w", s.name, err)
	}
	if !s.seeded || persisted > s.value {
		s.value = persisted
		s.seeded = true
	}

	s.value++
	if err := tx.SetCounter(s.name, s.value); err != nil {
		return 0, fmt.Errorf("writing %s counter: %w", s.name, err)
	}
	return s.value, nil
}

// IDGenerator hands out request and task ids of the form {prefix}-{n}.
type IDGenerator struct {
	requestPrefix string
	taskPrefix    string
	requests      sequence
	tasks         sequence
}

// NewIDGenerator creates an IDGenerator. Empty prefixes fall back to "req"
// and "task".
func NewIDGenerator(requestPrefix, taskPrefix string) *IDGenerator {
	if requestPrefix == "" {
		requestPrefix = "req"
	}
	if taskPrefix == "" {
		taskPrefix = "task"
	}
	return &IDGenerator{
		requestPrefix: requestPrefix,
		taskPrefix:    taskPrefix,
		requests:      sequence{name: requestCounter},
		tasks:         sequence{name: taskCounter},
	}
}

// NextRequestID increments the request counter inside tx.
func (g *IDGenerator) NextRequestID(tx Tx) (string, error) {
	n, err := g.requests.next(tx)
	if err != nil {
		return "", fmt.Errorf("generating request id: %w", err)
	}
	return fmt.Sprintf("%s-%d", g.requestPrefix, n), nil
}

// NextTaskID increments the task counter inside tx.
func (g *IDGenerator) NextTaskID(tx Tx) (string, error) {
	n, err := g.tasks.next(tx)
	if err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	return fmt.Sprintf("%s-%d", g.taskPrefix, n), nil
}

// idSequence extracts the numeric suffix of a generated id. Ids without one
// return -1 and sort first.
func idSequence(id string) int64 {
	i := strings.LastIndex(id, "-")
	if i < 0 || i == len(id)-1 {
		return -1
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
