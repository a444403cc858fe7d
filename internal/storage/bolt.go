package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns   = []byte("campaigns")
	bucketExecutions  = []byte("executions")
	bucketDue         = []byte("due")
	bucketEvents      = []byte("events")
	bucketEventIDs    = []byte("event_ids")
	bucketDrafts      = []byte("drafts")
	bucketDispatches  = []byte("dispatches")
	bucketDispatchIDs = []byte("dispatch_ids")
)

// indexTimeLayout is fixed width so index keys sort chronologically
const indexTimeLayout = "20060102T150405.000000000Z"

// BoltStorage persists engine state in BoltDB
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketExecutions, bucketDue, bucketEvents, bucketEventIDs, bucketDrafts, bucketDispatches, bucketDispatchIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, path: path}, nil
}

// DB returns the underlying database for components that keep their own
// buckets in the state file
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStorage) Path() string {
	return s.path
}

// Campaigns

// CreateCampaign stores a new campaign
func (s *BoltStorage) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return putJSON(b, []byte(c.ID), c)
	})
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStorage) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c *campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		return err
	})
	return c, err
}

// ListCampaigns returns campaigns, newest first
func (s *BoltStorage) ListCampaigns(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	var campaigns []*campaign.Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].CreatedAt.After(campaigns[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(campaigns) {
			return nil, nil
		}
		campaigns = campaigns[filter.Offset:]
	}
	if filter.Limit > 0 && len(campaigns) > filter.Limit {
		campaigns = campaigns[:filter.Limit]
	}
	return campaigns, nil
}

// UpdateCampaign atomically applies fn to a campaign and its executions
func (s *BoltStorage) UpdateCampaign(ctx context.Context, id string, fn campaign.UpdateFunc) (*campaign.Campaign, error) {
	var result *campaign.Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		execs, err := listExecutions(tx, c)
		if err != nil {
			return err
		}

		before := make(map[string]campaign.StageExecution, len(execs))
		for _, e := range execs {
			before[e.Key().String()] = *e
		}

		updated, err := fn(c, execs)
		if err != nil {
			return err
		}

		if err := putJSON(tx.Bucket(bucketCampaigns), []byte(c.ID), c); err != nil {
			return fmt.Errorf("failed to store campaign: %w", err)
		}

		keep := make(map[string]bool, len(updated))
		for _, e := range updated {
			key := e.Key().String()
			keep[key] = true
			var old *campaign.StageExecution
			if prev, ok := before[key]; ok {
				old = &prev
			}
			if err := putExecution(tx, old, e); err != nil {
				return err
			}
		}
		for key, prev := range before {
			if keep[key] {
				continue
			}
			if err := deleteExecution(tx, &prev); err != nil {
				return err
			}
		}

		result = c
		return nil
	})

	return result, err
}

// Stage executions

// ListExecutions returns the executions of a campaign in stage declaration order
func (s *BoltStorage) ListExecutions(ctx context.Context, campaignID string) ([]*campaign.StageExecution, error) {
	var execs []*campaign.StageExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, campaignID)
		if err != nil {
			return err
		}
		execs, err = listExecutions(tx, c)
		return err
	})
	return execs, err
}

// GetExecution retrieves one stage execution
func (s *BoltStorage) GetExecution(ctx context.Context, key campaign.ExecutionKey) (*campaign.StageExecution, error) {
	var e *campaign.StageExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getExecution(tx, key)
		return err
	})
	return e, err
}

// UpdateExecution atomically applies fn to an execution. If fn returns an
// error nothing is written and the error is returned unchanged.
func (s *BoltStorage) UpdateExecution(ctx context.Context, key campaign.ExecutionKey, fn func(c *campaign.Campaign, e *campaign.StageExecution) error) (*campaign.StageExecution, error) {
	var result *campaign.StageExecution

	err := s.db.Update(func(tx *bolt.Tx) error {
		e, err := getExecution(tx, key)
		if err != nil {
			return err
		}
		c, err := getCampaign(tx, key.CampaignID)
		if err != nil {
			return err
		}

		old := *e
		if err := fn(c, e); err != nil {
			return err
		}
		if err := putExecution(tx, &old, e); err != nil {
			return err
		}

		result = e
		return nil
	})

	return result, err
}

// DueExecutions returns pending executions due at or before now, oldest first
func (s *BoltStorage) DueExecutions(ctx context.Context, now time.Time, limit int) ([]*campaign.StageExecution, error) {
	var execs []*campaign.StageExecution

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // All remaining are in the future
			}

			data := tx.Bucket(bucketExecutions).Get(v)
			if data == nil {
				continue
			}
			var e campaign.StageExecution
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			if e.Status != campaign.StagePending {
				continue
			}
			execs = append(execs, &e)
			if limit > 0 && len(execs) >= limit {
				break
			}
		}
		return nil
	})

	return execs, err
}

// ExecutionsByStatus returns every execution in the given status
func (s *BoltStorage) ExecutionsByStatus(ctx context.Context, status campaign.StageStatus) ([]*campaign.StageExecution, error) {
	var execs []*campaign.StageExecution

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var e campaign.StageExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status == status {
				execs = append(execs, &e)
			}
			return nil
		})
	})

	return execs, err
}

// ExecutionStats counts executions per status
func (s *BoltStorage) ExecutionStats(ctx context.Context) (map[campaign.StageStatus]int64, error) {
	stats := make(map[campaign.StageStatus]int64)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var e campaign.StageExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			stats[e.Status]++
			return nil
		})
	})

	return stats, err
}

// CampaignStats counts campaigns per status
func (s *BoltStorage) CampaignStats(ctx context.Context) (map[campaign.Status]int64, error) {
	stats := make(map[campaign.Status]int64)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			stats[c.Status]++
			return nil
		})
	})

	return stats, err
}

// Engagement events

// AppendEvent adds an event to the append-only log. Event IDs are unique
// across the log, whatever the occurrence time of a replay.
func (s *BoltStorage) AppendEvent(ctx context.Context, ev *campaign.EngagementEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	key := eventKey(ev)

	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs)
		if ids.Get([]byte(ev.ID)) != nil {
			return fmt.Errorf("event %s: %w", ev.ID, campaign.ErrDuplicateEvent)
		}
		if err := ids.Put([]byte(ev.ID), key); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketEvents), key, ev)
	})
}

// RemoveEvent deletes a logged event and its dedup entry. Unknown IDs are
// ignored.
func (s *BoltStorage) RemoveEvent(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs)
		key := ids.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketEvents).Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

// ListEvents returns the events attributed to one stage in occurrence order
func (s *BoltStorage) ListEvents(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.EngagementEvent, error) {
	var events []*campaign.EngagementEvent
	prefix := []byte(key.String() + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev campaign.EngagementEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})

	return events, err
}

// Content drafts

// PutDraft stores a new draft under the next version number for its stage
func (s *BoltStorage) PutDraft(ctx context.Context, d *campaign.ContentDraft) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, d.CampaignID); err != nil {
			return err
		}

		b := tx.Bucket(bucketDrafts)
		prefix := draftPrefix(campaign.ExecutionKey{CampaignID: d.CampaignID, Stage: d.Stage})

		version := 0
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			version++
		}
		d.Version = version + 1
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}

		return putJSON(b, draftKey(d.CampaignID, d.Stage, d.Version), d)
	})
}

// GetDraft retrieves one draft version
func (s *BoltStorage) GetDraft(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error) {
	var d *campaign.ContentDraft
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDrafts).Get(draftKey(key.CampaignID, key.Stage, version))
		if data == nil {
			return campaign.ErrNotFound
		}
		d = &campaign.ContentDraft{}
		return json.Unmarshal(data, d)
	})
	return d, err
}

// ListDrafts returns all draft versions of a stage, oldest first
func (s *BoltStorage) ListDrafts(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.ContentDraft, error) {
	var drafts []*campaign.ContentDraft
	prefix := draftPrefix(key)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDrafts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d campaign.ContentDraft
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			drafts = append(drafts, &d)
		}
		return nil
	})

	return drafts, err
}

// ApproveDraft marks a draft version approved
func (s *BoltStorage) ApproveDraft(ctx context.Context, key campaign.ExecutionKey, version int, at time.Time) (*campaign.ContentDraft, error) {
	var d *campaign.ContentDraft

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		k := draftKey(key.CampaignID, key.Stage, version)
		data := b.Get(k)
		if data == nil {
			return campaign.ErrNotFound
		}
		d = &campaign.ContentDraft{}
		if err := json.Unmarshal(data, d); err != nil {
			return err
		}
		if d.Approved {
			return nil
		}
		d.Approved = true
		d.ApprovedAt = &at
		return putJSON(b, k, d)
	})

	return d, err
}

// LatestApprovedDraft returns the highest approved version >= minVersion,
// or nil if there is none
func (s *BoltStorage) LatestApprovedDraft(ctx context.Context, key campaign.ExecutionKey, minVersion int) (*campaign.ContentDraft, error) {
	var found *campaign.ContentDraft
	prefix := draftPrefix(key)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDrafts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d campaign.ContentDraft
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			if d.Approved && d.Version >= minVersion {
				found = &d
			}
		}
		return nil
	})

	return found, err
}

// Dispatch records

// ReserveDispatch claims the right to send a stage to one contact.
// It returns false when the contact was already sent to, permanently failed,
// or holds an unresolved reservation from an earlier run.
func (s *BoltStorage) ReserveDispatch(ctx context.Context, key campaign.ExecutionKey, contactID string, contentVersion int) (*campaign.DispatchRecord, bool, error) {
	var rec *campaign.DispatchRecord
	reserved := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDispatches)
		k := dispatchKey(key, contactID)
		now := time.Now().UTC()

		if data := b.Get(k); data != nil {
			rec = &campaign.DispatchRecord{}
			if err := json.Unmarshal(data, rec); err != nil {
				return err
			}
			if rec.Status != campaign.DispatchTransientFailed {
				return nil
			}
		} else {
			rec = &campaign.DispatchRecord{
				ID:         uuid.New().String(),
				CampaignID: key.CampaignID,
				Stage:      key.Stage,
				ContactID:  contactID,
			}
			if err := tx.Bucket(bucketDispatchIDs).Put([]byte(rec.ID), k); err != nil {
				return fmt.Errorf("failed to index dispatch record: %w", err)
			}
		}

		rec.Status = campaign.DispatchReserved
		rec.Attempts++
		rec.ContentVersion = contentVersion
		rec.UpdatedAt = now
		reserved = true
		return putJSON(b, k, rec)
	})
	if err != nil {
		return nil, false, err
	}

	return rec, reserved, nil
}

// FinishDispatch records the outcome of a reserved send
func (s *BoltStorage) FinishDispatch(ctx context.Context, key campaign.ExecutionKey, contactID string, status campaign.DispatchStatus, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDispatches)
		k := dispatchKey(key, contactID)
		data := b.Get(k)
		if data == nil {
			return campaign.ErrNotFound
		}

		var rec campaign.DispatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Status != campaign.DispatchReserved {
			return fmt.Errorf("dispatch %s is %s, not reserved", rec.ID, rec.Status)
		}

		rec.Status = status
		rec.LastError = lastError
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(b, k, &rec)
	})
}

// GetDispatch looks up a dispatch record by its ID
func (s *BoltStorage) GetDispatch(ctx context.Context, id string) (*campaign.DispatchRecord, error) {
	var rec *campaign.DispatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		k := tx.Bucket(bucketDispatchIDs).Get([]byte(id))
		if k == nil {
			return campaign.ErrNotFound
		}
		data := tx.Bucket(bucketDispatches).Get(k)
		if data == nil {
			return campaign.ErrNotFound
		}
		rec = &campaign.DispatchRecord{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// ListDispatches returns every dispatch record of a stage
func (s *BoltStorage) ListDispatches(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.DispatchRecord, error) {
	var records []*campaign.DispatchRecord
	prefix := []byte(key.String() + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDispatches).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec campaign.DispatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})

	return records, err
}

// Helper functions

func getCampaign(tx *bolt.Tx, id string) (*campaign.Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	var c campaign.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &c, nil
}

func getExecution(tx *bolt.Tx, key campaign.ExecutionKey) (*campaign.StageExecution, error) {
	data := tx.Bucket(bucketExecutions).Get([]byte(key.String()))
	if data == nil {
		return nil, fmt.Errorf("stage execution %s: %w", key, campaign.ErrNotFound)
	}
	var e campaign.StageExecution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage execution: %w", err)
	}
	return &e, nil
}

func listExecutions(tx *bolt.Tx, c *campaign.Campaign) ([]*campaign.StageExecution, error) {
	var execs []*campaign.StageExecution
	for _, s := range c.Stages {
		e, err := getExecution(tx, campaign.ExecutionKey{CampaignID: c.ID, Stage: s.Type})
		if errors.Is(err, campaign.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, nil
}

// putExecution stores e and keeps the due index in step with its status
func putExecution(tx *bolt.Tx, old, e *campaign.StageExecution) error {
	key := []byte(e.Key().String())
	due := tx.Bucket(bucketDue)

	if old != nil && old.Status == campaign.StagePending {
		if err := due.Delete(makeIndexKey(old.ScheduledAt, key)); err != nil {
			return fmt.Errorf("failed to remove from due index: %w", err)
		}
	}
	if err := putJSON(tx.Bucket(bucketExecutions), key, e); err != nil {
		return fmt.Errorf("failed to store stage execution: %w", err)
	}
	if e.Status == campaign.StagePending {
		if err := due.Put(makeIndexKey(e.ScheduledAt, key), key); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
	}
	return nil
}

func deleteExecution(tx *bolt.Tx, e *campaign.StageExecution) error {
	key := []byte(e.Key().String())
	if e.Status == campaign.StagePending {
		if err := tx.Bucket(bucketDue).Delete(makeIndexKey(e.ScheduledAt, key)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketExecutions).Delete(key)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

// makeIndexKey creates a time-ordered index key
func makeIndexKey(t time.Time, id []byte) []byte {
	ts := t.UTC().Format(indexTimeLayout)
	return append([]byte(ts+"|"), id...)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	idx := bytes.IndexByte(key, '|')
	if idx < 0 {
		return time.Time{}
	}
	t, _ := time.Parse(indexTimeLayout, string(key[:idx]))
	return t
}

func eventKey(ev *campaign.EngagementEvent) []byte {
	ts := ev.OccurredAt.UTC().Format(indexTimeLayout)
	return []byte(fmt.Sprintf("%s/%s/%s/%s", ev.CampaignID, ev.Stage, ts, ev.ID))
}

func draftPrefix(key campaign.ExecutionKey) []byte {
	return []byte(key.String() + "/")
}

func draftKey(campaignID string, stage campaign.StageType, version int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%010d", campaignID, stage, version))
}

func dispatchKey(key campaign.ExecutionKey, contactID string) []byte {
	return []byte(key.String() + "/" + contactID)
}
