package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rubiojr/quietspace/pkg/place"
)

const columns = `id, external_id, name, category, address, description, lat, lng, rating,
	review_count, quiet_score, is_favorite, checkin_count, last_visited, price_level,
	is_open, photo_ref, phone, website, opening_hours, reviews`

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Ops are the statements available inside a queued task. They are only
// valid for the duration of the task that received them.
type Ops struct {
	q querier
}

// FindByExternalID looks up a record by provider id.
func (o *Ops) FindByExternalID(id string) (place.Record, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return place.Record{}, false, nil
	}
	rec, err := scanRecord(o.q.QueryRow(`SELECT `+columns+` FROM places WHERE external_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return place.Record{}, false, nil
	}
	if err != nil {
		return place.Record{}, false, fmt.Errorf("store: find %q: %w", id, err)
	}
	return rec, true, nil
}

// FindByLocalID looks up a record by local id.
func (o *Ops) FindByLocalID(id int64) (place.Record, bool, error) {
	rec, err := o.get(id)
	if errors.Is(err, ErrNotFound) {
		return place.Record{}, false, nil
	}
	if err != nil {
		return place.Record{}, false, err
	}
	return rec, true, nil
}

func (o *Ops) get(id int64) (place.Record, error) {
	rec, err := scanRecord(o.q.QueryRow(`SELECT `+columns+` FROM places WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return place.Record{}, ErrNotFound
	}
	if err != nil {
		return place.Record{}, fmt.Errorf("store: get %d: %w", id, err)
	}
	return rec, nil
}

// Insert adds rec and returns its new local id. rec.LocalID is ignored.
func (o *Ops) Insert(rec place.Record) (int64, error) {
	rec = normalize(rec)
	res, err := o.q.Exec(`INSERT INTO places(external_id, name, category, address, description,
		lat, lng, rating, review_count, quiet_score, is_favorite, checkin_count, last_visited,
		price_level, is_open, photo_ref, phone, website, opening_hours, reviews)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, values(rec)...)
	if err != nil {
		return 0, fmt.Errorf("store: insert %q: %w", rec.Name, err)
	}
	return res.LastInsertId()
}

// InsertWithID adds rec under rec.LocalID, or under a new id when it is 0.
// It is for records that were removed within the same task and must come
// back under the id callers already hold.
func (o *Ops) InsertWithID(rec place.Record) (int64, error) {
	if rec.LocalID == 0 {
		return o.Insert(rec)
	}
	rec = normalize(rec)
	args := append([]any{rec.LocalID}, values(rec)...)
	_, err := o.q.Exec(`INSERT INTO places(id, external_id, name, category, address, description,
		lat, lng, rating, review_count, quiet_score, is_favorite, checkin_count, last_visited,
		price_level, is_open, photo_ref, phone, website, opening_hours, reviews)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("store: insert %q as %d: %w", rec.Name, rec.LocalID, err)
	}
	return rec.LocalID, nil
}

// Update overwrites every column of the record with rec.LocalID.
func (o *Ops) Update(rec place.Record) error {
	rec = normalize(rec)
	args := append(values(rec), rec.LocalID)
	res, err := o.q.Exec(`UPDATE places SET external_id = ?, name = ?, category = ?, address = ?,
		description = ?, lat = ?, lng = ?, rating = ?, review_count = ?, quiet_score = ?,
		is_favorite = ?, checkin_count = ?, last_visited = ?, price_level = ?, is_open = ?,
		photo_ref = ?, phone = ?, website = ?, opening_hours = ?, reviews = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update %d: %w", rec.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert overwrites the record holding rec.ExternalID, adopting its local
// id, or inserts rec when there is none.
func (o *Ops) Upsert(rec place.Record) (int64, error) {
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	existing, ok, err := o.FindByExternalID(rec.ExternalID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return o.Insert(rec)
	}
	rec.LocalID = existing.LocalID
	if err := o.Update(rec); err != nil {
		return 0, err
	}
	return rec.LocalID, nil
}

// Save is Upsert for records with an external id, Update for records with
// only a local id and Insert otherwise. It returns the stored record.
func (o *Ops) Save(rec place.Record) (place.Record, error) {
	var (
		id  int64
		err error
	)
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	switch {
	case rec.ExternalID != "":
		id, err = o.Upsert(rec)
	case rec.LocalID != 0:
		id, err = rec.LocalID, o.Update(rec)
	default:
		id, err = o.Insert(rec)
	}
	if err != nil {
		return place.Record{}, err
	}
	return o.get(id)
}

// ClearAll deletes every record and returns how many were removed.
func (o *Ops) ClearAll() (int64, error) {
	res, err := o.q.Exec(`DELETE FROM places`)
	if err != nil {
		return 0, fmt.Errorf("store: clear: %w", err)
	}
	return res.RowsAffected()
}

// List returns every record, best rated first.
func (o *Ops) List() ([]place.Record, error) {
	return o.listWhere("")
}

func (o *Ops) listWhere(where string) ([]place.Record, error) {
	rows, err := o.q.Query(`SELECT ` + columns + ` FROM places ` + where + ` ORDER BY rating DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := []place.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (place.Record, error) {
	var (
		r          place.Record
		externalID sql.NullString
		category   string
	)
	err := sc.Scan(&r.LocalID, &externalID, &r.Name, &category, &r.Address, &r.Description,
		&r.Location.Lat, &r.Location.Lng, &r.Rating, &r.ReviewCount, &r.QuietScore,
		&r.IsFavorite, &r.CheckInCount, &r.LastVisited, &r.PriceLevel, &r.IsOpen,
		&r.PhotoRef, &r.Phone, &r.Website, &r.OpeningHours, &r.Reviews)
	if err != nil {
		return place.Record{}, err
	}
	r.ExternalID = externalID.String
	r.Category = place.Category(category)
	return r.Decorate(), nil
}

func values(r place.Record) []any {
	var externalID sql.NullString
	if r.ExternalID != "" {
		externalID = sql.NullString{String: r.ExternalID, Valid: true}
	}
	return []any{externalID, r.Name, string(r.Category), r.Address, r.Description,
		r.Location.Lat, r.Location.Lng, r.Rating, r.ReviewCount, r.QuietScore,
		r.IsFavorite, r.CheckInCount, r.LastVisited, r.PriceLevel, r.IsOpen,
		r.PhotoRef, r.Phone, r.Website, r.OpeningHours, r.Reviews}
}

// normalize keeps stored rows inside the record invariants: a known
// category, non-negative counters and a quiet score in [1,5].
func normalize(r place.Record) place.Record {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	if r.Category == "" {
		r.Category = place.Other
	}
	if r.ReviewCount < 0 {
		r.ReviewCount = 0
	}
	if r.CheckInCount < 0 {
		r.CheckInCount = 0
	}
	if r.QuietScore < 1 || r.QuietScore > 5 {
		r.QuietScore = place.QuietScore(r.Category, r.Rating)
	}
	return r
}
