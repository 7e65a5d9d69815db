package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/persistence"
)

var integrationCounter uint64

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CONSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CONSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := persistence.RunMigrations(ctx, pool, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func uniqueKey(prefix string) string {
	n := atomic.AddUint64(&integrationCounter, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), n)
}

func TestPostgresIntegrationCursorNeverMovesBack(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	repo := NewSyncCursorRepository(pool)
	job := uniqueKey("job")

	if _, ok, err := repo.Get(ctx, job); err != nil || ok {
		t.Fatalf("fresh cursor: ok=%v err=%v", ok, err)
	}
	later := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	stored, err := repo.Advance(ctx, job, later)
	if err != nil || !stored.Equal(later) {
		t.Fatalf("advance: %s %v", stored, err)
	}
	stored, err = repo.Advance(ctx, job, later.Add(-time.Hour))
	if err != nil || !stored.Equal(later) {
		t.Fatalf("cursor moved back to %s (%v)", stored, err)
	}
	got, ok, err := repo.Get(ctx, job)
	if err != nil || !ok || !got.Equal(later) {
		t.Fatalf("get: %s %v %v", got, ok, err)
	}
}

func TestPostgresIntegrationLedgerInsertsOnce(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	repo := NewNotificationLedgerRepository(pool)
	hash := uniqueKey("hash")

	first := &domain.LedgerEntry{Kind: domain.NotifyQueueUpdate, EntityID: "c1", ContentHash: hash}
	inserted, err := repo.Insert(ctx, first)
	if err != nil || !inserted || first.ID == 0 {
		t.Fatalf("first insert: %v %v %+v", inserted, err, first)
	}
	inserted, err = repo.Insert(ctx, &domain.LedgerEntry{Kind: domain.NotifyQueueUpdate, EntityID: "c1", ContentHash: hash})
	if err != nil || inserted {
		t.Fatalf("duplicate insert: %v %v", inserted, err)
	}
}

func TestPostgresIntegrationMutateCreatesOnceUnderContention(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	repo := NewConsultationRepository(pool)
	ref := uniqueKey("ref")

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := repo.Mutate(ctx, ConsultationLookup{ERPRefKey: ref}, func(current *domain.Consultation) (*domain.Consultation, []domain.ConsultationChange, error) {
				number := fmt.Sprintf("N%d", i)
				if current == nil {
					return &domain.Consultation{
						ExternalKey: domain.ExternalKeyFor("", ref, domain.ScopeTenant),
						ERPRefKey:   ref,
						Scope:       domain.ScopeTenant,
						Source:      domain.SourceERP,
						Status:      domain.StatusPending,
						Number:      number,
					}, nil, nil
				}
				next := *current
				next.Number = number
				return &next, []domain.ConsultationChange{{
					Field:     domain.FieldNumber,
					OldValue:  current.Number,
					NewValue:  number,
					Source:    domain.SourceERP,
					ChangedAt: time.Now(),
				}}, nil
			})
			if err != nil {
				errs <- err
				return
			}
			ids <- c.ID
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("mutate: %v", err)
	}
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("rows %s and %s share erp ref %s", first, id, ref)
		}
	}

	changes, err := NewChangeLogRepository(pool).ListByConsultation(ctx, first)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 7 {
		t.Fatalf("expected 7 number changes after one create, got %d", len(changes))
	}
}
