package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a Store that lives as long as the process does.
type Memory struct {
	recordsLock sync.RWMutex
	records     map[string]Record
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
	}
}

func (memory *Memory) Put(ctx context.Context, record Record) error {
	memory.recordsLock.Lock()
	defer memory.recordsLock.Unlock()

	memory.records[record.SessionID] = record

	return nil
}

func (memory *Memory) Get(ctx context.Context, sessionID string) (*Record, error) {
	memory.recordsLock.RLock()
	defer memory.recordsLock.RUnlock()

	record, ok := memory.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	return &record, nil
}

func (memory *Memory) SetActive(ctx context.Context, sessionID string, active bool) error {
	memory.recordsLock.Lock()
	defer memory.recordsLock.Unlock()

	record, ok := memory.records[sessionID]
	if !ok {
		return ErrNotFound
	}

	record.Active = active
	memory.records[sessionID] = record

	return nil
}

func (memory *Memory) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	memory.recordsLock.RLock()
	defer memory.recordsLock.RUnlock()

	var result []Record

	for _, record := range memory.records {
		if record.Active && record.CreatedAt.Before(cutoff) {
			result = append(result, record)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (memory *Memory) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	memory.recordsLock.Lock()
	defer memory.recordsLock.Unlock()

	var deleted int

	for sessionID, record := range memory.records {
		if !record.Active && record.CreatedAt.Before(cutoff) {
			delete(memory.records, sessionID)
			deleted++
		}
	}

	return deleted, nil
}

func (memory *Memory) Close() error {
	return nil
}
