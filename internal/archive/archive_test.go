package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	body        []byte
	contentType string
}

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string]object
	err     error
}

func (m *memoryUploader) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = make(map[string]object)
	}
	m.objects[key] = object{body: body, contentType: contentType}
	return nil
}

func (m *memoryUploader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func seed(t *testing.T, store *storage.MemoryStore) *models.MasterTransaction {
	t.Helper()
	ctx := context.Background()
	tx := &models.MasterTransaction{
		ID:           "tx-1",
		MasterID:     1,
		TokenAddress: "TokenMint",
		TradeType:    models.SideBuy,
		OrderKind:    models.OrderKindMarket,
		Status:       models.TxStatusStop,
	}
	require.NoError(t, store.CreateMasterTransaction(ctx, tx))
	require.NoError(t, store.CreateReplicaDetails(ctx, []models.ReplicaDetail{
		{TransactionID: tx.ID, MemberID: 2, MemberWallet: "A", Status: models.DetailSuccess},
		{TransactionID: tx.ID, MemberID: 3, MemberWallet: "B", Status: models.DetailError},
	}))
	return tx
}

func TestArchiveUploadsReport(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := seed(t, store)
	up := &memoryUploader{}
	a := New(store, up, "replications", 4)
	a.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }

	key, err := a.Archive(context.Background(), events.ReplicationCompleted{
		TransactionID: tx.ID,
		Status:        string(models.TxStatusStop),
		Success:       1,
		Errors:        1,
	})
	require.NoError(t, err)
	assert.Equal(t, "replications/2024/03/09/tx-1.json", key)

	obj := up.objects[key]
	assert.Equal(t, "application/json", obj.contentType)

	var report Report
	require.NoError(t, json.Unmarshal(obj.body, &report))
	assert.Equal(t, tx.ID, report.Transaction.ID)
	assert.Len(t, report.Details, 2)
	assert.Equal(t, 1, report.Summary.Errors)
}

func TestArchiveErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	up := &memoryUploader{}
	a := New(store, up, "", 1)

	_, err := a.Archive(context.Background(), events.ReplicationCompleted{TransactionID: "missing"})
	assert.Error(t, err)

	seed(t, store)
	up.err = errors.New("bucket gone")
	_, err = a.Archive(context.Background(), events.ReplicationCompleted{TransactionID: "tx-1"})
	assert.ErrorContains(t, err, "bucket gone")
}

func TestHandleQueuesAndRunUploads(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store)
	up := &memoryUploader{}
	a := New(store, up, "r", 1)

	bus := events.NewBus()
	bus.Subscribe(events.TopicReplicationCompleted, a.Handle)
	bus.Publish(context.Background(), events.TopicReplicationCompleted, events.ReplicationCompleted{TransactionID: "tx-1"})
	// queue of one: the second report is dropped, not blocking the publisher
	bus.Publish(context.Background(), events.TopicReplicationCompleted, events.ReplicationCompleted{TransactionID: "tx-1"})
	bus.Publish(context.Background(), events.TopicOrderExecuted, events.OrderResult{OrderID: "ignored"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return up.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, a.queue)
}
