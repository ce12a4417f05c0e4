package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/api"
	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/ingest"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Client, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := clock.Fake(t0.Add(time.Minute))
	table := rules.NewTable()
	agent := registration.NewAgent(registration.Config{Store: store, Table: table, Clock: fake})
	ing := ingest.NewIngestor(ingest.Config{Rules: table, Clock: fake, Workers: 1, QueueSize: 64})

	srv := httptest.NewServer(api.NewServer(api.Config{
		Rules:      table,
		Registrar:  agent,
		Events:     ing,
		Store:      store,
		DefaultSLA: time.Hour,
	}).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c, store
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("127.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9090", c.baseURL)

	c, err = NewClient("https://crrmon.internal/")
	require.NoError(t, err)
	assert.Equal(t, "https://crrmon.internal", c.baseURL)

	_, err = NewClient("")
	assert.Error(t, err)
}

func TestRulesRoundTrip(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	res, err := c.RegisterRule(ctx, registration.RuleSpec{SourceBucket: "A", DestinationBucket: "B", SLAWindowSeconds: 600})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	res, err = c.RegisterRule(ctx, registration.RuleSpec{SourceBucket: "A", DestinationBucket: "C", SLAWindowSeconds: 600})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.NotEmpty(t, res.Reason)

	list, version, err := c.ListRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	require.Len(t, list, 1)
	assert.Equal(t, 10*time.Minute, list[0].SLAWindow)
}

func TestDeleteRule(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	res, err := c.RegisterRule(ctx, registration.RuleSpec{SourceBucket: "A", DestinationBucket: "B", SLAWindowSeconds: 600})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	removed, err := c.DeleteRule(ctx, res.Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", removed.DestinationBucket)

	list, _, err := c.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = c.DeleteRule(ctx, res.Rule.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestSubmitEvents(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.RegisterRule(ctx, registration.RuleSpec{SourceBucket: "A", DestinationBucket: "B", SLAWindowSeconds: 600})
	require.NoError(t, err)

	resp, err := c.SubmitEvents(ctx, []types.RawEvent{
		{EventType: "PutObject", SourceBucket: "A", ObjectKey: "k", Timestamp: t0},
		{EventType: "PutObject", SourceBucket: "Z", ObjectKey: "k", Timestamp: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 1, resp.Rejected[0].Index)
}

func TestRecords(t *testing.T) {
	c, store := newTestServer(t)
	ctx := context.Background()

	key := types.RecordKey{SourceBucket: "A", ObjectKey: "dir/with space.jpg", VersionID: "v1"}
	require.NoError(t, store.PutIfVersion(&types.ReplicationRecord{
		Key:       key,
		Status:    types.StatusPending,
		CreatedAt: t0,
		Deadline:  t0.Add(time.Hour),
	}, 0, nil))

	record, err := c.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, record.Key)

	_, err = c.GetRecord(ctx, types.RecordKey{SourceBucket: "A", ObjectKey: "missing"})
	assert.True(t, IsNotFound(err))

	page, err := c.ListRecords(ctx, ListOptions{Status: types.StatusPending})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Records[types.StatusPending])
}
