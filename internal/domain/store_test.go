package domain

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStreamWrite = errors.New("stream write refused")

// fakeStore is an in-memory Store used by the engine tests. Every
// method is atomic the way the real repository is: a failing call
// leaves no partial state behind.
type fakeStore struct {
	mu      sync.Mutex
	byHash  map[string]string // userID|hash -> activity id
	records map[string]CanonicalActivity
	streams map[string][]StreamAttachment
	logs    []IngestionLogEntry

	findErr   error
	insertErr error
	updateErr error
	logErr    error

	// attachFailType makes AttachStreams fail whenever the batch for
	// one activity includes this stream type.
	attachFailType string

	// afterFind and afterCandidates, when set, run at the end of every
	// FindByHash / FindCandidates call. Used to hold concurrent writers
	// at the check-then-act boundary.
	afterFind       func()
	afterCandidates func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byHash:  make(map[string]string),
		records: make(map[string]CanonicalActivity),
		streams: make(map[string][]StreamAttachment),
	}
}

func hashKey(userID, hash string) string { return userID + "|" + hash }

func (s *fakeStore) FindByHash(_ context.Context, userID, dedupHash string) (*CanonicalActivity, error) {
	s.mu.Lock()
	var found *CanonicalActivity
	if id, ok := s.byHash[hashKey(userID, dedupHash)]; ok {
		record := s.records[id]
		found = &record
	}
	err := s.findErr
	s.mu.Unlock()

	if s.afterFind != nil {
		s.afterFind()
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *fakeStore) FindCandidates(_ context.Context, userID string, around time.Time, window time.Duration) ([]CanonicalActivity, error) {
	s.mu.Lock()
	var out []CanonicalActivity
	for _, record := range s.records {
		if record.UserID != userID {
			continue
		}
		delta := record.StartedAt.Sub(around)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			out = append(out, record)
		}
	}
	s.mu.Unlock()

	if s.afterCandidates != nil {
		s.afterCandidates()
	}
	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, activity CanonicalActivity, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return s.insertErr
	}
	key := hashKey(activity.UserID, activity.DedupHash)
	if _, exists := s.byHash[key]; exists {
		return ErrDuplicateHash
	}
	s.byHash[key] = activity.ID
	s.records[activity.ID] = activity
	return nil
}

func (s *fakeStore) Update(_ context.Context, activity CanonicalActivity, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.records[activity.ID]; !ok {
		return ErrActivityNotFound
	}
	s.records[activity.ID] = activity
	return nil
}

func (s *fakeStore) AttachStreams(_ context.Context, activityID string, streams []StreamAttachment, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stream := range streams {
		if stream.StreamType == s.attachFailType {
			return errStreamWrite
		}
	}
	s.streams[activityID] = append(s.streams[activityID], streams...)
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, entries []IngestionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logErr != nil {
		return s.logErr
	}
	s.logs = append(s.logs, entries...)
	return nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) record(id string) (CanonicalActivity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok
}
