package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/domain/outbox"
	"github.com/cassiomorais/mobilemoney/internal/domain/payment"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/google/uuid"
)

// --- Callback Repository Mock ---

// MockCallbackRepository is an in-memory implementation of payment.CallbackRepository.
type MockCallbackRepository struct {
	mu      sync.Mutex
	records []*payment.CallbackRecord

	RecordFunc             func(ctx context.Context, rec *payment.CallbackRecord) (bool, error)
	AttachMessageFunc      func(ctx context.Context, transactionID string, status payment.StatusCode, messageID string) error
	MarkConsumedFunc       func(ctx context.Context, messageID string, consumedAt time.Time) error
	GetByTransactionIDFunc func(ctx context.Context, transactionID string) ([]*payment.CallbackRecord, error)
}

func NewMockCallbackRepository() *MockCallbackRepository {
	return &MockCallbackRepository{}
}

func (m *MockCallbackRepository) Record(ctx context.Context, rec *payment.CallbackRecord) (bool, error) {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.TransactionID == rec.TransactionID && r.StatusCode == rec.StatusCode {
			return false, nil
		}
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return true, nil
}

func (m *MockCallbackRepository) AttachMessage(ctx context.Context, transactionID string, status payment.StatusCode, messageID string) error {
	if m.AttachMessageFunc != nil {
		return m.AttachMessageFunc(ctx, transactionID, status, messageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.TransactionID == transactionID && r.StatusCode == status {
			id := messageID
			r.MessageID = &id
		}
	}
	return nil
}

func (m *MockCallbackRepository) MarkConsumed(ctx context.Context, messageID string, consumedAt time.Time) error {
	if m.MarkConsumedFunc != nil {
		return m.MarkConsumedFunc(ctx, messageID, consumedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.MessageID != nil && *r.MessageID == messageID {
			at := consumedAt
			r.ConsumedAt = &at
		}
	}
	return nil
}

func (m *MockCallbackRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*payment.CallbackRecord, error) {
	if m.GetByTransactionIDFunc != nil {
		return m.GetByTransactionIDFunc(ctx, transactionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payment.CallbackRecord
	for _, r := range m.records {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records returns a snapshot of every stored callback.
func (m *MockCallbackRepository) Records() []*payment.CallbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.CallbackRecord(nil), m.records...)
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository keeps outbox entries in memory unless a Func overrides the call.
// Now, when set, replaces the wall clock used to decide which entries are due.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry
	Now     func() time.Time

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc    func(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc    func(ctx context.Context, id uuid.UUID, reason string) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Status == outbox.StatusPending && !e.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			now := time.Now()
			e.Status = outbox.StatusPublished
			e.PublishedAt = &now
		}
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, reason)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			r := reason
			e.LastError = &r
			e.NextAttemptAt = m.now().Add(outbox.RetryDelay(e.RetryCount))
			e.RetryCount++
			if e.RetryCount >= e.MaxRetries {
				e.Status = outbox.StatusFailed
			}
		}
	}
	return nil
}

func (m *MockOutboxRepository) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Entries returns a snapshot of the stored entries.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Entry(nil), m.entries...)
}

// --- Result Publisher Mock ---

// MockResultPublisher records published events. Err, when set, fails every publish.
type MockResultPublisher struct {
	mu     sync.Mutex
	events []*payment.ResultEvent
	Err    error
}

func (m *MockResultPublisher) PublishResult(_ context.Context, ev *payment.ResultEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MockResultPublisher) Events() []*payment.ResultEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.ResultEvent(nil), m.events...)
}

// --- Provider Client Mock ---

// MockProviderClient records provider requests and answers with Response or Err.
type MockProviderClient struct {
	mu       sync.Mutex
	requests []airtel.Request
	Response json.RawMessage
	Err      error
}

func (m *MockProviderClient) Do(_ context.Context, req airtel.Request) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}

func (m *MockProviderClient) Requests() []airtel.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]airtel.Request(nil), m.requests...)
}
