package memory

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// RecordStore keeps records per collection in insertion order.
type RecordStore struct {
	mu          sync.RWMutex
	collections map[string][]map[string]interface{}
}

func NewRecordStore() *RecordStore {
	return &RecordStore{collections: make(map[string][]map[string]interface{})}
}

func (s *RecordStore) CreateRecord(_ context.Context, collection string, data map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		rec[k] = v
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.New().String()
	}
	s.collections[collection] = append(s.collections[collection], rec)
	return copyRecord(rec), nil
}

func (s *RecordStore) UpdateRecord(_ context.Context, collection, id string, data map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.collections[collection] {
		if fmt.Sprint(rec["id"]) != id {
			continue
		}
		for k, v := range data {
			if k == "id" {
				continue
			}
			rec[k] = v
		}
		return copyRecord(rec), nil
	}
	return nil, fmt.Errorf("record %s not found in %s", id, collection)
}

func (s *RecordStore) FindRecords(_ context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]interface{}, 0)
	for _, rec := range s.collections[collection] {
		if !matches(rec, filter) {
			continue
		}
		out = append(out, copyRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matches(rec, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, want) && fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func copyRecord(rec map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
