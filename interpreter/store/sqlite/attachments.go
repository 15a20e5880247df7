package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/interpreter/store"
)

const attachmentColumns = `id, interface, ifindex, netns, nsid, mode, backend,
	program_id, map_id, link_id, map_pin, owner_pid, source, created_at`

// prepareStatements prepares all attachment SQL statements.
func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error

	const sqlSaveAttachment = `
		INSERT INTO attachments (` + attachmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  interface = excluded.interface,
		  ifindex = excluded.ifindex,
		  netns = excluded.netns,
		  nsid = excluded.nsid,
		  mode = excluded.mode,
		  backend = excluded.backend,
		  program_id = excluded.program_id,
		  map_id = excluded.map_id,
		  link_id = excluded.link_id,
		  map_pin = excluded.map_pin,
		  owner_pid = excluded.owner_pid,
		  source = excluded.source,
		  created_at = excluded.created_at`
	if s.stmtSaveAttachment, err = s.db.PrepareContext(ctx, sqlSaveAttachment); err != nil {
		return fmt.Errorf("prepare SaveAttachment: %w", err)
	}

	const sqlGetAttachment = "SELECT " + attachmentColumns + " FROM attachments WHERE id = ?"
	if s.stmtGetAttachment, err = s.db.PrepareContext(ctx, sqlGetAttachment); err != nil {
		return fmt.Errorf("prepare GetAttachment: %w", err)
	}

	const sqlDeleteAttachment = "DELETE FROM attachments WHERE id = ?"
	if s.stmtDeleteAttachment, err = s.db.PrepareContext(ctx, sqlDeleteAttachment); err != nil {
		return fmt.Errorf("prepare DeleteAttachment: %w", err)
	}

	const sqlListAttachments = "SELECT " + attachmentColumns + " FROM attachments ORDER BY created_at, id"
	if s.stmtListAttachments, err = s.db.PrepareContext(ctx, sqlListAttachments); err != nil {
		return fmt.Errorf("prepare ListAttachments: %w", err)
	}

	return nil
}

// SaveAttachment inserts or replaces an attachment record.
func (s *sqliteStore) SaveAttachment(ctx context.Context, rec pktcount.AttachmentRecord) error {
	start := time.Now()
	if rec.ID == "" {
		return fmt.Errorf("attachment record has no id")
	}

	_, err := s.stmtSaveAttachment.ExecContext(ctx,
		rec.ID, rec.Interface, rec.Ifindex, rec.Netns, int64(rec.Nsid),
		string(rec.Mode), string(rec.Backend),
		rec.ProgramID, rec.MapID, rec.LinkID, rec.MapPin,
		rec.OwnerPID, rec.Source, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save attachment %s: %w", rec.ID, err)
	}

	s.logger.Debug("sql", "stmt", "SaveAttachment", "id", rec.ID, "duration_ms", msec(time.Since(start)))
	return nil
}

// GetAttachment returns the record with the given id.
// Returns store.ErrNotFound if it does not exist.
func (s *sqliteStore) GetAttachment(ctx context.Context, id string) (pktcount.AttachmentRecord, error) {
	start := time.Now()
	rec, err := scanAttachment(s.stmtGetAttachment.QueryRowContext(ctx, id))
	s.logger.Debug("sql", "stmt", "GetAttachment", "id", id, "duration_ms", msec(time.Since(start)))
	if errors.Is(err, sql.ErrNoRows) {
		return pktcount.AttachmentRecord{}, fmt.Errorf("attachment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return pktcount.AttachmentRecord{}, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return rec, nil
}

// DeleteAttachment removes the record with the given id.
func (s *sqliteStore) DeleteAttachment(ctx context.Context, id string) error {
	start := time.Now()
	if _, err := s.stmtDeleteAttachment.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	s.logger.Debug("sql", "stmt", "DeleteAttachment", "id", id, "duration_ms", msec(time.Since(start)))
	return nil
}

// ListAttachments returns all attachment records, oldest first.
func (s *sqliteStore) ListAttachments(ctx context.Context) ([]pktcount.AttachmentRecord, error) {
	start := time.Now()
	rows, err := s.stmtListAttachments.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var recs []pktcount.AttachmentRecord
	for rows.Next() {
		rec, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	s.logger.Debug("sql", "stmt", "ListAttachments", "rows", len(recs), "duration_ms", msec(time.Since(start)))
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (pktcount.AttachmentRecord, error) {
	var (
		rec       pktcount.AttachmentRecord
		nsid      int64
		mode      string
		backend   string
		createdAt string
	)
	err := row.Scan(
		&rec.ID, &rec.Interface, &rec.Ifindex, &rec.Netns, &nsid,
		&mode, &backend,
		&rec.ProgramID, &rec.MapID, &rec.LinkID, &rec.MapPin,
		&rec.OwnerPID, &rec.Source, &createdAt)
	if err != nil {
		return pktcount.AttachmentRecord{}, err
	}

	rec.Nsid = uint64(nsid)
	rec.Mode = pktcount.AttachMode(mode)
	rec.Backend = pktcount.Backend(backend)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return pktcount.AttachmentRecord{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return rec, nil
}
