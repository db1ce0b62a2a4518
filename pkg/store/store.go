// Package store is the local place cache, persisted in SQLite.
//
// Every statement runs on a single worker.Queue, so the queue is the only
// writer. Mutations return futures. The synchronous reads block for at most
// the configured read timeout and degrade to an empty result.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/worker"
)

// ErrNotFound is returned by updates addressing a record that does not exist.
var ErrNotFound = errors.New("store: record not found")

// DefaultReadTimeout bounds the synchronous reads.
const DefaultReadTimeout = 3 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS places (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id   TEXT UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	lat           REAL NOT NULL DEFAULT 0,
	lng           REAL NOT NULL DEFAULT 0,
	rating        REAL NOT NULL DEFAULT 0,
	review_count  INTEGER NOT NULL DEFAULT 0,
	quiet_score   REAL NOT NULL DEFAULT 3.0,
	is_favorite   INTEGER NOT NULL DEFAULT 0,
	checkin_count INTEGER NOT NULL DEFAULT 0,
	last_visited  TEXT NOT NULL DEFAULT '',
	price_level   TEXT NOT NULL DEFAULT '',
	is_open       INTEGER NOT NULL DEFAULT 1,
	photo_ref     TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	opening_hours TEXT NOT NULL DEFAULT '',
	reviews       TEXT NOT NULL DEFAULT ''
)`

// Store owns the places database.
type Store struct {
	db          *sql.DB
	queue       *worker.Queue
	ownsQueue   bool
	readTimeout time.Duration

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// Option configures Open.
type Option func(*Store)

// WithReadTimeout sets the bound for synchronous reads.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithQueue runs the store on a queue shared with other components.
// The caller keeps ownership and must close it after the store.
func WithQueue(q *worker.Queue) Option {
	return func(s *Store) {
		s.queue = q
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection: the queue is the only user and :memory: databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_places_rating ON places(rating DESC, id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_places_favorite ON places(is_favorite)`)

	s := &Store{
		db:          db,
		readTimeout: DefaultReadTimeout,
		watchers:    make(map[int]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.queue == nil {
		s.queue = worker.New("store")
		s.ownsQueue = true
	}
	logger.Debug("store ready (path=%s)", path)
	return s, nil
}

// Close drains pending work and closes the database.
func (s *Store) Close() error {
	if s.ownsQueue {
		s.queue.Close()
	} else {
		// let already queued statements finish before the handle goes away
		_ = s.queue.Do(context.Background(), func() error { return nil })
	}
	return s.db.Close()
}

// Queue returns the queue the store runs on.
func (s *Store) Queue() *worker.Queue { return s.queue }

// UpsertByExternalID overwrites the record holding rec.ExternalID (keeping
// its local id) or inserts rec. It resolves with the local id.
func (s *Store) UpsertByExternalID(rec place.Record) *async.Future[int64] {
	return mutate(s, func(o *Ops) (int64, error) { return o.Upsert(rec) })
}

// Insert adds rec as a new record.
func (s *Store) Insert(rec place.Record) *async.Future[int64] {
	return mutate(s, func(o *Ops) (int64, error) { return o.Insert(rec) })
}

// Update overwrites the record with rec.LocalID.
func (s *Store) Update(rec place.Record) *async.Future[place.Record] {
	return mutate(s, func(o *Ops) (place.Record, error) {
		if err := o.Update(rec); err != nil {
			return place.Record{}, err
		}
		return o.get(rec.LocalID)
	})
}

// Save persists rec: upsert by external id when it has one, otherwise
// update by local id, otherwise insert. It resolves with the stored record.
func (s *Store) Save(rec place.Record) *async.Future[place.Record] {
	return mutate(s, func(o *Ops) (place.Record, error) { return o.Save(rec) })
}

// ClearAll removes every record. Local ids are not reused afterwards.
func (s *Store) ClearAll() *async.Future[int64] {
	return mutate(s, func(o *Ops) (int64, error) { return o.ClearAll() })
}

// ReplaceAll clears the table and stores recs in one transaction.
// Records sharing an external id collapse into one.
func (s *Store) ReplaceAll(recs []place.Record) *async.Future[[]place.Record] {
	return mutate(s, func(o *Ops) ([]place.Record, error) {
		if _, err := o.ClearAll(); err != nil {
			return nil, err
		}
		for _, r := range recs {
			r.LocalID = 0
			if _, err := o.Save(r); err != nil {
				return nil, err
			}
		}
		return o.listWhere("")
	})
}

// Batch runs fn as a single queued task inside one transaction. An error
// from fn rolls back everything fn did.
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context, o *Ops) error) *async.Future[struct{}] {
	return mutate(s, func(o *Ops) (struct{}, error) {
		return struct{}{}, fn(ctx, o)
	})
}

// ListAllAsync resolves with every record, best rated first.
func (s *Store) ListAllAsync() *async.Future[[]place.Record] {
	return worker.Call(s.queue, func() ([]place.Record, error) {
		return (&Ops{q: s.db}).listWhere("")
	})
}

// ListFavoritesAsync resolves with the favorite records, best rated first.
func (s *Store) ListFavoritesAsync() *async.Future[[]place.Record] {
	return worker.Call(s.queue, func() ([]place.Record, error) {
		return (&Ops{q: s.db}).listWhere("WHERE is_favorite = 1")
	})
}

// FindByExternalIDAsync looks up a record by provider id.
func (s *Store) FindByExternalIDAsync(id string) *async.Future[place.Record] {
	return worker.Call(s.queue, func() (place.Record, error) {
		rec, ok, err := (&Ops{q: s.db}).FindByExternalID(id)
		if err == nil && !ok {
			err = ErrNotFound
		}
		return rec, err
	})
}

// FindByLocalIDAsync looks up a record by local id.
func (s *Store) FindByLocalIDAsync(id int64) *async.Future[place.Record] {
	return worker.Call(s.queue, func() (place.Record, error) {
		return (&Ops{q: s.db}).get(id)
	})
}

// ListAll is the bounded synchronous form of ListAllAsync.
func (s *Store) ListAll() []place.Record {
	return s.readList("list all", s.ListAllAsync())
}

// ListFavorites is the bounded synchronous form of ListFavoritesAsync.
func (s *Store) ListFavorites() []place.Record {
	return s.readList("list favorites", s.ListFavoritesAsync())
}

// FindByExternalID reports false when absent, on error or on timeout.
func (s *Store) FindByExternalID(id string) (place.Record, bool) {
	if id == "" {
		return place.Record{}, false
	}
	return s.readOne("find external "+id, s.FindByExternalIDAsync(id))
}

// FindByLocalID reports false when absent, on error or on timeout.
func (s *Store) FindByLocalID(id int64) (place.Record, bool) {
	return s.readOne(fmt.Sprintf("find local %d", id), s.FindByLocalIDAsync(id))
}

func (s *Store) readList(what string, f *async.Future[[]place.Record]) []place.Record {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()
	recs, err := f.Await(ctx)
	if err != nil {
		logger.Error("store: %s: %v", what, err)
		return []place.Record{}
	}
	return recs
}

func (s *Store) readOne(what string, f *async.Future[place.Record]) (place.Record, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()
	rec, err := f.Await(ctx)
	if errors.Is(err, ErrNotFound) {
		return place.Record{}, false
	}
	if err != nil {
		logger.Error("store: %s: %v", what, err)
		return place.Record{}, false
	}
	return rec, true
}

// Watch returns a channel signalled after each committed mutation. Signals
// coalesce; a slow reader sees one pending signal, not one per change.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// mutate runs fn in a transaction on the queue and notifies watchers
// after a successful commit.
func mutate[T any](s *Store, fn func(o *Ops) (T, error)) *async.Future[T] {
	return worker.Call(s.queue, func() (T, error) {
		var zero T
		tx, err := s.db.Begin()
		if err != nil {
			return zero, fmt.Errorf("store: begin: %w", err)
		}
		v, err := fn(&Ops{q: tx})
		if err != nil {
			_ = tx.Rollback()
			return zero, err
		}
		if err := tx.Commit(); err != nil {
			return zero, fmt.Errorf("store: commit: %w", err)
		}
		s.notify()
		return v, nil
	})
}
