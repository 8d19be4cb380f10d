package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
)

func request(nodeType string, cfg map[string]interface{}) *Request {
	return &Request{
		ExecutionID: "exec-1",
		Node:        workflow.Node{ID: "n1", Type: nodeType},
		Config:      cfg,
		Context: map[string]interface{}{
			workflow.ContextTriggerData: map[string]interface{}{"name": "Ada"},
		},
	}
}

func TestRegistry(t *testing.T) {
	r := NewBuiltinRegistry(Dependencies{})

	assert.True(t, r.Has(workflow.NodeTypeCondition))
	assert.False(t, r.Has("teleport"))
	assert.Len(t, r.List(), 11)

	_, err := r.Get("teleport")
	assert.ErrorIs(t, err, workflow.ErrUnknownNodeType)

	err = r.Register(NewTriggerProcessor())
	assert.Error(t, err)

	err = r.ValidateConfig(workflow.NodeTypeRecordCreate, map[string]interface{}{"data": map[string]interface{}{}})
	assert.EqualError(t, err, "collection is required")
}

func TestConditionProcessor(t *testing.T) {
	p := NewConditionProcessor()
	cfg := map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"left": 120.0, "operator": ">", "right": "100", "output": "big"},
			map[string]interface{}{"left": "hello world", "operator": "contains", "right": "world", "output": "greeting"},
		},
		"default_output": "other",
	}
	require.NoError(t, p.Validate(cfg))

	res, err := p.Execute(context.Background(), request(workflow.NodeTypeCondition, cfg))
	require.NoError(t, err)
	assert.Equal(t, "big", res.Branch)
	assert.Equal(t, 0, res.Output["condition_index"])

	cfg["conditions"].([]interface{})[0].(map[string]interface{})["left"] = 5
	res, err = p.Execute(context.Background(), request(workflow.NodeTypeCondition, cfg))
	require.NoError(t, err)
	assert.Equal(t, "greeting", res.Branch)

	cfg["conditions"] = []interface{}{
		map[string]interface{}{"left": "a", "operator": "equals", "right": "b", "output": "x"},
	}
	res, err = p.Execute(context.Background(), request(workflow.NodeTypeCondition, cfg))
	require.NoError(t, err)
	assert.Equal(t, "other", res.Branch)
	assert.Equal(t, false, res.Output["matched"])
}

func TestConditionProcessor_Validate(t *testing.T) {
	p := NewConditionProcessor()

	assert.Error(t, p.Validate(map[string]interface{}{"default_output": "x"}))
	assert.Error(t, p.Validate(map[string]interface{}{"conditions": []interface{}{}, "default_output": "x"}))
	assert.Error(t, p.Validate(map[string]interface{}{
		"conditions":     []interface{}{map[string]interface{}{"operator": "~=", "output": "x"}},
		"default_output": "x",
	}))
	assert.Error(t, p.Validate(map[string]interface{}{
		"conditions": []interface{}{map[string]interface{}{"operator": "==", "output": "x"}},
	}))
}

func TestCompare(t *testing.T) {
	cases := []struct {
		left  interface{}
		op    string
		right interface{}
		want  bool
	}{
		{1, "==", 1.0, true},
		{"1", "eq", 1, true},
		{"a", "!=", "b", true},
		{3, ">=", 3, true},
		{2, "<", 3, true},
		{"10", "<=", 9, false},
		{"workflow", "starts_with", "work", true},
		{"workflow", "ends_with", "flow", true},
		{[]interface{}{"a", "b"}, "contains", "b", true},
		{"b", "in", []interface{}{"a", "b"}, true},
		{"", "is_empty", nil, true},
		{"abc-123", "matches", `^[a-z]+-\d+$`, true},
		{"abc", "not_contains", "z", true},
	}
	for _, tc := range cases {
		got, err := Compare(tc.left, tc.op, tc.right)
		require.NoError(t, err, "%v %s %v", tc.left, tc.op, tc.right)
		assert.Equal(t, tc.want, got, "%v %s %v", tc.left, tc.op, tc.right)
	}

	_, err := Compare("abc", ">", 1)
	assert.Error(t, err)
}

func TestTriggerProcessor(t *testing.T) {
	res, err := NewTriggerProcessor().Execute(context.Background(), request(workflow.NodeTypeTrigger, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Ada"}, res.Output)
}

func TestHTTPRequestProcessor(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"q":"` + r.URL.Query().Get("q") + `"}`))
	}))
	defer srv.Close()

	p := NewHTTPRequestProcessor(NewDefaultHTTPClient(5*time.Second, nil))

	res, err := p.Execute(context.Background(), request(workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url":    srv.URL + "/ok",
		"method": "post",
		"query":  map[string]interface{}{"q": "x"},
		"body":   map[string]interface{}{"name": "Ada"},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Output["status_code"])
	assert.Equal(t, map[string]interface{}{"ok": true, "q": "x"}, res.Output["body"])
	assert.Equal(t, "Ada", gotBody["name"])
	assert.True(t, res.SideEffectsApplied)

	_, err = p.Execute(context.Background(), request(workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url":    srv.URL + "/fail",
		"method": "PUT",
	}))
	var nodeErr *workflow.NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.True(t, nodeErr.SideEffectsApplied)
	assert.Contains(t, err.Error(), "status 502")

	assert.Error(t, p.Validate(map[string]interface{}{"url": "http://x", "method": "TRACE"}))
}

type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) CreateRecord(ctx context.Context, collection string, data map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, collection, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *MockRecordStore) UpdateRecord(ctx context.Context, collection, id string, data map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, collection, id, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *MockRecordStore) FindRecords(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	args := m.Called(ctx, collection, filter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]interface{}), args.Error(1)
}

func TestRecordProcessors(t *testing.T) {
	store := new(MockRecordStore)
	data := map[string]interface{}{"email": "ada@example.com"}
	store.On("CreateRecord", mock.Anything, "contacts", data).
		Return(map[string]interface{}{"id": "rec-1", "email": "ada@example.com"}, nil)
	store.On("FindRecords", mock.Anything, "contacts", map[string]interface{}{"email": "ada@example.com"}, 10).
		Return([]map[string]interface{}{{"id": "rec-1"}}, nil)
	store.On("UpdateRecord", mock.Anything, "contacts", "rec-1", mock.Anything).
		Return(nil, errors.New("locked"))

	res, err := NewRecordCreateProcessor(store).Execute(context.Background(), request(workflow.NodeTypeRecordCreate, map[string]interface{}{
		"collection": "contacts", "data": data,
	}))
	require.NoError(t, err)
	assert.Equal(t, "rec-1", res.Output["id"])
	assert.True(t, res.SideEffectsApplied)

	res, err = NewRecordFindProcessor(store).Execute(context.Background(), request(workflow.NodeTypeRecordFind, map[string]interface{}{
		"collection": "contacts", "filter": map[string]interface{}{"email": "ada@example.com"}, "limit": 10,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["count"])

	_, err = NewRecordUpdateProcessor(store).Execute(context.Background(), request(workflow.NodeTypeRecordUpdate, map[string]interface{}{
		"collection": "contacts", "record_id": "rec-1", "data": map[string]interface{}{"x": 1},
	}))
	assert.ErrorContains(t, err, "locked")

	store.AssertExpectations(t)
}

func TestWaitProcessor(t *testing.T) {
	p := NewWaitProcessor(clock.Real())

	before := time.Now()
	res, err := p.Execute(context.Background(), request(workflow.NodeTypeWait, map[string]interface{}{"duration_seconds": 600}))
	require.NoError(t, err)
	assert.Equal(t, 600.0, res.Output["waited_seconds"])
	assert.WithinDuration(t, before.Add(10*time.Minute), res.WaitUntil, time.Second)
	assert.Contains(t, res.Output, "resume_at")

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	res, err = p.Execute(context.Background(), request(workflow.NodeTypeWait, map[string]interface{}{"until": until.Format(time.RFC3339)}))
	require.NoError(t, err)
	assert.WithinDuration(t, until, res.WaitUntil, 100*time.Millisecond)

	_, err = p.Execute(context.Background(), request(workflow.NodeTypeWait, map[string]interface{}{"until": "tomorrow"}))
	assert.Error(t, err)

	assert.Error(t, p.Validate(map[string]interface{}{}))
}

func TestApprovalProcessor(t *testing.T) {
	p := NewApprovalProcessor()
	req := request(workflow.NodeTypeApproval, map[string]interface{}{"message": "ship it?"})

	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Suspend)
	assert.Equal(t, workflow.PauseApproval, res.Suspend.Reason)

	res, err = p.Resume(context.Background(), req, map[string]interface{}{"approved": true, "approver": "bob"})
	require.NoError(t, err)
	assert.Equal(t, BranchApproved, res.Branch)
	assert.Equal(t, "bob", res.Output["approver"])

	res, err = p.Resume(context.Background(), req, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, BranchRejected, res.Branch)
}

type notifierFunc func(ctx context.Context, n Notification) error

func (f notifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestNotificationProcessor(t *testing.T) {
	var sent Notification
	p := NewNotificationProcessor(notifierFunc(func(ctx context.Context, n Notification) error {
		sent = n
		return nil
	}))

	res, err := p.Execute(context.Background(), request(workflow.NodeTypeNotification, map[string]interface{}{
		"channel": "email", "recipients": []interface{}{"ops@example.com"}, "message": "done",
	}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["sent"])
	assert.Equal(t, []string{"ops@example.com"}, sent.Recipients)
	assert.Equal(t, "exec-1", sent.ExecutionID)
}

type fakeRunner struct {
	active, peak int32
	mu           sync.Mutex
	seen         []interface{}
	definitions  []string
	failOn       interface{}
}

func (f *fakeRunner) RunSubworkflow(ctx context.Context, parent string, def *workflow.Definition, trigger map[string]interface{}) (map[string]interface{}, error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&f.active, -1)

	f.mu.Lock()
	f.seen = append(f.seen, trigger["item"])
	f.definitions = append(f.definitions, def.ID)
	f.mu.Unlock()
	if f.failOn != nil && trigger["item"] == f.failOn {
		return nil, errors.New("boom")
	}
	return map[string]interface{}{"doubled": trigger["item"].(int) * 2}, nil
}

func forEachConfig(items []interface{}, concurrency int) map[string]interface{} {
	return map[string]interface{}{
		"items":       items,
		"concurrency": concurrency,
		"sub_workflow": map[string]interface{}{
			"nodes": []interface{}{map[string]interface{}{"id": "t", "type": "trigger"}},
		},
	}
}

func TestForEachProcessor(t *testing.T) {
	p := NewForEachProcessor(nil)
	runner := &fakeRunner{}
	req := request(workflow.NodeTypeForEach, forEachConfig([]interface{}{1, 2, 3, 4, 5, 6}, 2))
	req.Runner = runner

	require.NoError(t, p.Validate(req.Config))
	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Output["count"])
	results := res.Output["results"].([]interface{})
	assert.Equal(t, map[string]interface{}{"doubled": 2}, results[0])
	assert.Equal(t, map[string]interface{}{"doubled": 12}, results[5])
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(2))

	seen := make([]int, 0, len(runner.seen))
	for _, s := range runner.seen {
		seen = append(seen, s.(int))
	}
	sort.Ints(seen)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, seen)
	assert.Equal(t, []string{"sub_workflow"}, p.RawKeys())
	assert.Len(t, runner.definitions, 6)
	for _, id := range runner.definitions {
		assert.Equal(t, "n1", id)
	}
}

func TestForEachProcessor_ValidateNestedDefinition(t *testing.T) {
	r := NewBuiltinRegistry(Dependencies{})
	p, err := r.Get(workflow.NodeTypeForEach)
	require.NoError(t, err)

	nested := func(nodes, edges []interface{}) map[string]interface{} {
		return map[string]interface{}{
			"items":        []interface{}{1},
			"sub_workflow": map[string]interface{}{"nodes": nodes, "edges": edges},
		}
	}
	node := func(id, typ string) map[string]interface{} {
		return map[string]interface{}{"id": id, "type": typ}
	}
	edge := func(from, to string) map[string]interface{} {
		return map[string]interface{}{"source": from, "target": to}
	}

	err = p.Validate(nested([]interface{}{node("a", "no_such_type"), node("b", "trigger")}, nil))
	assert.ErrorContains(t, err, "no_such_type")

	err = p.Validate(nested(
		[]interface{}{node("a", "trigger"), node("b", "trigger")},
		[]interface{}{edge("a", "b"), edge("b", "a")},
	))
	assert.ErrorContains(t, err, "sub_workflow")

	err = p.Validate(nested(
		[]interface{}{node("a", "trigger"), node("b", "trigger")},
		[]interface{}{edge("a", "b")},
	))
	assert.NoError(t, err)
}

func TestForEachProcessor_ValidateConcurrency(t *testing.T) {
	p := NewForEachProcessor(nil)

	for _, c := range []interface{}{0, 0.0, float64(-2), "0", "many"} {
		cfg := forEachConfig([]interface{}{1}, 1)
		cfg["concurrency"] = c
		assert.Error(t, p.Validate(cfg), "concurrency %v", c)
	}
	for _, c := range []interface{}{1, 4.0, "3", "{{trigger_data.parallel}}"} {
		cfg := forEachConfig([]interface{}{1}, 1)
		cfg["concurrency"] = c
		assert.NoError(t, p.Validate(cfg), "concurrency %v", c)
	}
}

func TestForEachProcessor_FailFast(t *testing.T) {
	p := NewForEachProcessor(nil)
	req := request(workflow.NodeTypeForEach, forEachConfig([]interface{}{1, 2, 3}, 1))
	req.Runner = &fakeRunner{failOn: 2}

	_, err := p.Execute(context.Background(), req)
	assert.ErrorContains(t, err, "item 1: boom")

	req.Config["fail_fast"] = false
	req.Runner = &fakeRunner{failOn: 2}
	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["failed"])
}
