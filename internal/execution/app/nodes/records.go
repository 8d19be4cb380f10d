package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type RecordCreateConfig struct {
	Collection string                 `mapstructure:"collection"`
	Data       map[string]interface{} `mapstructure:"data"`
}

type RecordUpdateConfig struct {
	Collection string                 `mapstructure:"collection"`
	RecordID   string                 `mapstructure:"record_id"`
	Data       map[string]interface{} `mapstructure:"data"`
}

type RecordFindConfig struct {
	Collection string                 `mapstructure:"collection"`
	Filter     map[string]interface{} `mapstructure:"filter"`
	Limit      int                    `mapstructure:"limit"`
}

var errNoRecordStore = errors.New("no record store configured")

// RecordCreateProcessor creates a record in the external data store.
type RecordCreateProcessor struct{ store RecordStore }

func NewRecordCreateProcessor(store RecordStore) *RecordCreateProcessor {
	return &RecordCreateProcessor{store: store}
}

func (p *RecordCreateProcessor) Type() string { return workflow.NodeTypeRecordCreate }

func (p *RecordCreateProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "collection", "data")
}

func (p *RecordCreateProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.store == nil {
		return nil, errNoRecordStore
	}
	var cfg RecordCreateConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	record, err := p.store.CreateRecord(ctx, cfg.Collection, cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("create record in %s: %w", cfg.Collection, err)
	}
	return &Result{
		Output:             output("record", record, "id", record["id"], "collection", cfg.Collection),
		SideEffectsApplied: true,
	}, nil
}

// RecordUpdateProcessor updates one record by id.
type RecordUpdateProcessor struct{ store RecordStore }

func NewRecordUpdateProcessor(store RecordStore) *RecordUpdateProcessor {
	return &RecordUpdateProcessor{store: store}
}

func (p *RecordUpdateProcessor) Type() string { return workflow.NodeTypeRecordUpdate }

func (p *RecordUpdateProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "collection", "record_id", "data")
}

func (p *RecordUpdateProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.store == nil {
		return nil, errNoRecordStore
	}
	var cfg RecordUpdateConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	record, err := p.store.UpdateRecord(ctx, cfg.Collection, cfg.RecordID, cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("update record %s in %s: %w", cfg.RecordID, cfg.Collection, err)
	}
	return &Result{
		Output:             output("record", record, "id", cfg.RecordID, "collection", cfg.Collection),
		SideEffectsApplied: true,
	}, nil
}

// RecordFindProcessor queries records by exact-match filter.
type RecordFindProcessor struct{ store RecordStore }

func NewRecordFindProcessor(store RecordStore) *RecordFindProcessor {
	return &RecordFindProcessor{store: store}
}

func (p *RecordFindProcessor) Type() string { return workflow.NodeTypeRecordFind }

func (p *RecordFindProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "collection")
}

func (p *RecordFindProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.store == nil {
		return nil, errNoRecordStore
	}
	var cfg RecordFindConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	records, err := p.store.FindRecords(ctx, cfg.Collection, cfg.Filter, cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("find records in %s: %w", cfg.Collection, err)
	}
	list := make([]interface{}, len(records))
	for i, r := range records {
		list[i] = r
	}
	var first interface{}
	if len(list) > 0 {
		first = list[0]
	}
	return &Result{Output: output("records", list, "count", len(list), "first", first)}, nil
}
