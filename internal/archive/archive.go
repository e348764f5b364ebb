// Package archive uploads a JSON report of every finished replication to
// object storage, keyed by completion date and transaction id.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the upload queue cannot take another report
var ErrQueueFull = errors.New("archive queue is full")

// Uploader stores one object
type Uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Report is the archived document
type Report struct {
	Transaction models.MasterTransaction    `json:"transaction"`
	Details     []models.ReplicaDetail      `json:"details"`
	Summary     events.ReplicationCompleted `json:"summary"`
	ArchivedAt  time.Time                   `json:"archived_at"`
}

// Archiver turns replication.completed events into uploaded reports
type Archiver struct {
	store    storage.Store
	uploader Uploader
	prefix   string
	queue    chan events.ReplicationCompleted
	now      func() time.Time
	log      *logrus.Entry
}

// New creates an archiver writing under prefix
func New(store storage.Store, uploader Uploader, prefix string, queueSize int) *Archiver {
	if queueSize <= 0 {
		queueSize = 128
	}
	return &Archiver{
		store:    store,
		uploader: uploader,
		prefix:   prefix,
		queue:    make(chan events.ReplicationCompleted, queueSize),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.WithField("component", "archive"),
	}
}

// Handle is a bus handler for replication.completed. It only queues the
// report so the publishing replication is never held up by the upload.
func (a *Archiver) Handle(_ context.Context, ev events.Event) {
	summary, ok := ev.Payload.(events.ReplicationCompleted)
	if !ok {
		return
	}
	select {
	case a.queue <- summary:
	default:
		a.log.WithField("tx_id", summary.TransactionID).WithError(ErrQueueFull).Warn("Replication report dropped")
	}
}

// Run uploads queued reports until ctx is done
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case summary := <-a.queue:
			if _, err := a.Archive(ctx, summary); err != nil {
				a.log.WithField("tx_id", summary.TransactionID).WithError(err).Warn("Failed to archive replication")
			}
		}
	}
}

// Key returns the object key for a transaction completed at t
func (a *Archiver) Key(txID string, t time.Time) string {
	return path.Join(a.prefix, t.Format("2006/01/02"), txID+".json")
}

// Archive builds and uploads the report for one transaction
func (a *Archiver) Archive(ctx context.Context, summary events.ReplicationCompleted) (string, error) {
	tx, err := a.store.GetMasterTransaction(ctx, summary.TransactionID)
	if err != nil {
		return "", fmt.Errorf("failed to load transaction: %w", err)
	}
	details, err := a.store.ListReplicaDetails(ctx, summary.TransactionID)
	if err != nil {
		return "", fmt.Errorf("failed to load details: %w", err)
	}

	report := Report{
		Transaction: *tx,
		Details:     details,
		Summary:     summary,
		ArchivedAt:  a.now(),
	}
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.Key(tx.ID, report.ArchivedAt)
	if err := a.uploader.Put(ctx, key, body, "application/json"); err != nil {
		return "", err
	}
	a.log.WithFields(logrus.Fields{"tx_id": tx.ID, "key": key, "details": len(details)}).Debug("Replication archived")
	return key, nil
}
