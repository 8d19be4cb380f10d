package repository

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/database"
)

// Record is a schemaless row used by the record_* node types when the engine
// runs without an external data service.
type Record struct {
	ID         string                 `gorm:"primaryKey"`
	Collection string                 `gorm:"index"`
	Data       map[string]interface{} `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Record) TableName() string { return "workflow_records" }

type RecordStore struct {
	db *database.DB
}

func NewRecordStore(db *database.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) CreateRecord(ctx context.Context, collection string, data map[string]interface{}) (map[string]interface{}, error) {
	rec := &Record{ID: uuid.New().String(), Collection: collection, Data: data}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return flatten(rec), nil
}

func (s *RecordStore) UpdateRecord(ctx context.Context, collection, id string, data map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		if err := tx.Where("id = ? AND collection = ?", id, collection).First(&rec).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("record %s not found in %s", id, collection)
			}
			return err
		}
		if rec.Data == nil {
			rec.Data = map[string]interface{}{}
		}
		for k, v := range data {
			rec.Data[k] = v
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		out = flatten(&rec)
		return nil
	})
	return out, err
}

// FindRecords matches top-level fields by equality.
func (s *RecordStore) FindRecords(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	var recs []Record
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0)
	for i := range recs {
		if !matches(recs[i].Data, filter) {
			continue
		}
		out = append(out, flatten(&recs[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matches(data, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, want) && fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func flatten(rec *Record) map[string]interface{} {
	out := make(map[string]interface{}, len(rec.Data)+1)
	for k, v := range rec.Data {
		out[k] = v
	}
	out["id"] = rec.ID
	return out
}
