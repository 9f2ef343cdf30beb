// Package store handles SQLite persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/verte-zerg/vesfit/internal/model"

	_ "modernc.org/sqlite" // SQLite driver.
)

// ErrNotFound reports a missing section or picket.
var ErrNotFound = errors.New("store: not found")

// Store wraps SQLite access for sections, pickets and model history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Serialize writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pickets (
			id TEXT PRIMARY KEY,
			section_id TEXT NOT NULL REFERENCES sections(id),
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			spacing_count INTEGER NOT NULL,
			reading_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS measurements (
			picket_id TEXT NOT NULL REFERENCES pickets(id),
			idx INTEGER NOT NULL,
			ab2 REAL NOT NULL,
			mn2 REAL NOT NULL,
			apparent_resistivity REAL NOT NULL,
			relative_error REAL NOT NULL,
			current REAL NOT NULL,
			voltage REAL NOT NULL,
			PRIMARY KEY (picket_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS layers (
			picket_id TEXT NOT NULL REFERENCES pickets(id),
			idx INTEGER NOT NULL,
			resistivity REAL NOT NULL,
			thickness REAL NOT NULL,
			PRIMARY KEY (picket_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS model_history (
			seq INTEGER PRIMARY KEY,
			picket_id TEXT NOT NULL REFERENCES pickets(id),
			saved_at TEXT NOT NULL,
			model BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pickets_section ON pickets(section_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_model_history_picket ON model_history(picket_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSection stores a new empty section.
func (s *Store) CreateSection(ctx context.Context, name string) (model.Section, error) {
	if name == "" {
		return model.Section{}, fmt.Errorf("%w: empty section name", model.ErrInvalidInput)
	}
	sec := model.Section{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sections (id, name, created_at) VALUES (?, ?, ?)`,
		sec.ID, sec.Name, sec.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return model.Section{}, fmt.Errorf("create section %q: %w", name, err)
	}
	return sec, nil
}

// ListSections returns section summaries ordered by creation time.
func (s *Store) ListSections(ctx context.Context) ([]model.SectionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.created_at, COUNT(p.id)
		 FROM sections s
		 LEFT JOIN pickets p ON p.section_id = s.id
		 GROUP BY s.id
		 ORDER BY s.created_at ASC, s.name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.SectionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FindSection resolves a section by ID or name.
func (s *Store) FindSection(ctx context.Context, nameOrID string) (model.SectionSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.name, s.created_at, COUNT(p.id)
		 FROM sections s
		 LEFT JOIN pickets p ON p.section_id = s.id
		 WHERE s.id = ? OR s.name = ?
		 GROUP BY s.id
		 ORDER BY (s.id = ?) DESC
		 LIMIT 1`, nameOrID, nameOrID, nameOrID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SectionSummary{}, fmt.Errorf("section %q: %w", nameOrID, ErrNotFound)
	}
	return sum, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (model.SectionSummary, error) {
	var sum model.SectionSummary
	var createdAt string
	if err := sc.Scan(&sum.ID, &sum.Name, &createdAt, &sum.PicketCount); err != nil {
		return model.SectionSummary{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.SectionSummary{}, err
	}
	sum.CreatedAt = parsed
	return sum, nil
}

// LoadSection reads a section with all pickets, curves and current models.
func (s *Store) LoadSection(ctx context.Context, id string) (model.Section, error) {
	sum, err := s.FindSection(ctx, id)
	if err != nil {
		return model.Section{}, err
	}
	sec := model.Section{ID: sum.ID, Name: sum.Name, CreatedAt: sum.CreatedAt}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, spacing_count, reading_count
		 FROM pickets WHERE section_id = ? ORDER BY position ASC`, sec.ID)
	if err != nil {
		return model.Section{}, err
	}
	for rows.Next() {
		var p model.Picket
		if err := rows.Scan(&p.ID, &p.Name, &p.Curve.SpacingCount, &p.Curve.ReadingCount); err != nil {
			_ = rows.Close()
			return model.Section{}, err
		}
		sec.Pickets = append(sec.Pickets, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return model.Section{}, err
	}
	if err := rows.Close(); err != nil {
		return model.Section{}, err
	}

	for i := range sec.Pickets {
		p := &sec.Pickets[i]
		if p.Curve.Measurements, err = s.loadMeasurements(ctx, p.ID); err != nil {
			return model.Section{}, err
		}
		layers, err := s.loadLayers(ctx, p.ID)
		if err != nil {
			return model.Section{}, err
		}
		if len(layers) > 0 {
			p.Model = &model.LayeredModel{Layers: layers}
		}
	}
	return sec, nil
}

func (s *Store) loadMeasurements(ctx context.Context, picketID string) ([]model.Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ab2, mn2, apparent_resistivity, relative_error, current, voltage
		 FROM measurements WHERE picket_id = ? ORDER BY idx ASC`, picketID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()
	var out []model.Measurement
	for rows.Next() {
		var ms model.Measurement
		if err := rows.Scan(&ms.AB2, &ms.MN2, &ms.ApparentResistivity, &ms.RelativeError, &ms.Current, &ms.Voltage); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (s *Store) loadLayers(ctx context.Context, picketID string) ([]model.Layer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resistivity, thickness FROM layers WHERE picket_id = ? ORDER BY idx ASC`, picketID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()
	var out []model.Layer
	for rows.Next() {
		var l model.Layer
		if err := rows.Scan(&l.Resistivity, &l.Thickness); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddPicket appends a picket to a section. A fresh ID is assigned and the
// optional model is stored as the first history entry.
func (s *Store) AddPicket(ctx context.Context, sectionID string, p model.Picket) (_ model.Picket, err error) {
	if err := p.Curve.Validate(); err != nil {
		return model.Picket{}, err
	}
	if p.HasModel() {
		if err := p.Model.Validate(); err != nil {
			return model.Picket{}, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Picket{}, err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	var position int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pickets WHERE section_id = ?`, sectionID).Scan(&position); err != nil {
		return model.Picket{}, err
	}
	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE id = ?`, sectionID).Scan(&exists); err != nil {
		return model.Picket{}, err
	}
	if exists == 0 {
		err = fmt.Errorf("section %q: %w", sectionID, ErrNotFound)
		return model.Picket{}, err
	}

	p.ID = uuid.NewString()
	if p.Name == "" {
		p.Name = fmt.Sprintf("PK-%d", position+1)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO pickets (id, section_id, position, name, spacing_count, reading_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, sectionID, position, p.Name, p.Curve.SpacingCount, p.Curve.ReadingCount,
	); err != nil {
		return model.Picket{}, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO measurements (picket_id, idx, ab2, mn2, apparent_resistivity, relative_error, current, voltage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return model.Picket{}, err
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil {
			// Best-effort statement close.
			_ = cerr
		}
	}()
	for i, ms := range p.Curve.Measurements {
		if _, err = stmt.ExecContext(ctx, p.ID, i, ms.AB2, ms.MN2, ms.ApparentResistivity, ms.RelativeError, ms.Current, ms.Voltage); err != nil {
			return model.Picket{}, err
		}
	}

	if p.HasModel() {
		if err = s.writeModel(ctx, tx, p.ID, *p.Model); err != nil {
			return model.Picket{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return model.Picket{}, err
	}
	return p, nil
}

// SaveModel replaces the current model of a picket and appends it to the history.
func (s *Store) SaveModel(ctx context.Context, picketID string, m model.LayeredModel) (err error) {
	if err := m.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pickets WHERE id = ?`, picketID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		err = fmt.Errorf("picket %q: %w", picketID, ErrNotFound)
		return err
	}
	if err = s.writeModel(ctx, tx, picketID, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) writeModel(ctx context.Context, tx *sql.Tx, picketID string, m model.LayeredModel) error {
	m = m.Clone()
	m.Layers[len(m.Layers)-1].Thickness = 0
	if _, err := tx.ExecContext(ctx, `DELETE FROM layers WHERE picket_id = ?`, picketID); err != nil {
		return err
	}
	for i, l := range m.Layers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO layers (picket_id, idx, resistivity, thickness) VALUES (?, ?, ?, ?)`,
			picketID, i, l.Resistivity, l.Thickness); err != nil {
			return err
		}
	}
	blob, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO model_history (picket_id, saved_at, model) VALUES (?, ?, ?)`,
		picketID, s.now().Format(time.RFC3339Nano), blob)
	return err
}

// ModelHistory returns saved models of a picket, oldest first.
func (s *Store) ModelHistory(ctx context.Context, picketID string) ([]model.ModelSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, saved_at, model FROM model_history WHERE picket_id = ? ORDER BY seq ASC`, picketID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.ModelSnapshot
	for rows.Next() {
		var snap model.ModelSnapshot
		var savedAt string
		var blob []byte
		if err := rows.Scan(&snap.Seq, &savedAt, &blob); err != nil {
			return nil, err
		}
		if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(blob, &snap.Model); err != nil {
			return nil, fmt.Errorf("decode model %d: %w", snap.Seq, err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
