package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Catalog is the admissions reference data loaded from a YAML file:
//
//	programs:       [{id: 42, title: "Applied Mathematics"}]
//	timeline_types: [{id: 1, name: "Bachelor"}]
//	events:
//	  - {id: 7, program_id: 42, timeline_type_id: 1, name: "Documents", deadline: 2025-09-01}
type Catalog struct {
	Programs      []Program      `yaml:"programs"`
	TimelineTypes []TimelineType `yaml:"timeline_types"`
	Events        []CatalogEvent `yaml:"events"`
}

type CatalogEvent struct {
	ID             int64  `yaml:"id"`
	ProgramID      int64  `yaml:"program_id"`
	TimelineTypeID int64  `yaml:"timeline_type_id"`
	Name           string `yaml:"name"`
	Deadline       string `yaml:"deadline"`
}

type CatalogStats struct {
	Programs      int
	TimelineTypes int
	Events        int
}

func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

func (e CatalogEvent) toEvent() (TimelineEvent, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(e.Deadline))
	if err != nil {
		return TimelineEvent{}, fmt.Errorf("event %d: deadline %q: %w", e.ID, e.Deadline, err)
	}
	if e.ID <= 0 || e.ProgramID <= 0 || e.TimelineTypeID <= 0 {
		return TimelineEvent{}, fmt.Errorf("event %d: id, program_id and timeline_type_id are required", e.ID)
	}
	return TimelineEvent{
		ID:             e.ID,
		ProgramID:      e.ProgramID,
		TimelineTypeID: e.TimelineTypeID,
		Name:           strings.TrimSpace(e.Name),
		Deadline:       normDate(d),
	}, nil
}

// ImportCatalog upserts the catalog in one transaction. Rows not present in
// the file are left untouched.
func (s *SQLStore) ImportCatalog(ctx context.Context, c *Catalog) (CatalogStats, error) {
	var st CatalogStats
	if c == nil {
		return st, nil
	}
	events := make([]TimelineEvent, 0, len(c.Events))
	for _, e := range c.Events {
		ev, err := e.toEvent()
		if err != nil {
			return st, err
		}
		events = append(events, ev)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range c.Programs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO programs (id, title) VALUES (?, ?)
			 ON CONFLICT (id) DO UPDATE SET title = excluded.title`), p.ID, p.Title); err != nil {
			return st, fmt.Errorf("program %d: %w", p.ID, err)
		}
		st.Programs++
	}
	for _, t := range c.TimelineTypes {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO timeline_types (id, name) VALUES (?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name`), t.ID, t.Name); err != nil {
			return st, fmt.Errorf("timeline type %d: %w", t.ID, err)
		}
		st.TimelineTypes++
	}
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO timeline_events (id, program_id, timeline_type_id, name, deadline)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   program_id = excluded.program_id,
			   timeline_type_id = excluded.timeline_type_id,
			   name = excluded.name,
			   deadline = excluded.deadline`),
			ev.ID, ev.ProgramID, ev.TimelineTypeID, ev.Name, ev.Deadline); err != nil {
			return st, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		st.Events++
	}
	return st, tx.Commit()
}
