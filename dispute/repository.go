package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the PostgreSQL CaseStore. Each commit is one transaction; the
// case row update is a compare-and-swap on version.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const caseColumns = `id, customer_ref, transaction_ref, channel, currency, amount_minor, reason, status,
	additional_info, pending_info, resolution, version, created_at, updated_at`

func (r *PGStore) Get(ctx context.Context, id string) (Case, error) {
	row := r.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, fmt.Errorf("%w: case %s", ErrNotFound, id)
		}
		return Case{}, fmt.Errorf("dispute: get case: %w", err)
	}
	cases := []Case{c}
	if err := r.loadChildren(ctx, cases); err != nil {
		return Case{}, err
	}
	return cases[0], nil
}

func (r *PGStore) List(ctx context.Context, filter Filter) ([]Case, error) {
	query, args := listQuery(filter)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 16)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	if err := r.loadChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// listQuery builds the filtered, newest-first case query.
func listQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if statuses, _ := filter.View.Statuses(); statuses != nil {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(names)+")")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Channel != "" {
		where = append(where, "channel = "+arg(string(filter.Channel)))
	}
	if filter.CustomerRef != "" {
		where = append(where, "customer_ref = "+arg(filter.CustomerRef))
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, "created_at >= "+arg(filter.CreatedFrom))
	}
	if !filter.CreatedTo.IsZero() {
		where = append(where, "created_at < "+arg(filter.CreatedTo))
	}

	query := `SELECT ` + caseColumns + ` FROM dispute_cases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return query, args
}

func (r *PGStore) FindOpenByTransaction(ctx context.Context, transactionRef string) (Case, bool, error) {
	var id string
	err := r.db.QueryRow(ctx, `
		SELECT id FROM dispute_cases
		WHERE transaction_ref = $1 AND status NOT IN ('approved', 'rejected')
	`, transactionRef).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, false, nil
		}
		return Case{}, false, fmt.Errorf("dispute: find open case: %w", err)
	}
	c, err := r.Get(ctx, id)
	if err != nil {
		return Case{}, false, err
	}
	return c, true, nil
}

func (r *PGStore) Idempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	var (
		rec         IdempotencyRecord
		op          string
		result, doc []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT key, case_id, operation, result, document, created_at
		FROM dispute_idempotency WHERE key = $1
	`, key).Scan(&rec.Key, &rec.CaseID, &op, &result, &doc, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, fmt.Errorf("dispute: load idempotency key: %w", err)
	}
	rec.Operation = Operation(op)
	if err := json.Unmarshal(result, &rec.Case); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("dispute: decode idempotent result: %w", err)
	}
	if len(doc) > 0 {
		rec.Document = new(Document)
		if err := json.Unmarshal(doc, rec.Document); err != nil {
			return IdempotencyRecord{}, false, fmt.Errorf("dispute: decode idempotent document: %w", err)
		}
	}
	return rec, true, nil
}

func (r *PGStore) Insert(ctx context.Context, commit Commit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := commit.Case
	info, pending, resolution, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dispute_cases (`+caseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb,$11::jsonb,$12,$13,$14)
	`, c.ID, c.CustomerRef, c.TransactionRef, string(c.Channel), c.Amount.Currency, c.Amount.Minor,
		string(c.Reason), string(c.Status), info, pending, resolution, c.Version, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("dispute: insert case: %w", mapPgError(err))
	}

	if err := r.writeCommit(ctx, tx, commit, len(c.Documents)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit insert: %w", mapPgError(err))
	}
	return nil
}

func (r *PGStore) Update(ctx context.Context, commit Commit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := commit.Case
	info, pending, resolution, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE dispute_cases
		SET status = $1,
		    additional_info = $2::jsonb,
		    pending_info = $3::jsonb,
		    resolution = $4::jsonb,
		    version = $5,
		    updated_at = $6
		WHERE id = $7 AND version = $8
	`, string(c.Status), info, pending, resolution, c.Version, c.UpdatedAt, c.ID, commit.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("dispute: update case: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		var stored int64
		if err := tx.QueryRow(ctx, `SELECT version FROM dispute_cases WHERE id = $1`, c.ID).Scan(&stored); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: case %s", ErrNotFound, c.ID)
			}
			return fmt.Errorf("dispute: check version: %w", err)
		}
		return fmt.Errorf("%w: case %s at version %d, expected %d", ErrVersionConflict, c.ID, stored, commit.ExpectedVersion)
	}

	newDocs := 0
	if commit.Document != nil {
		newDocs = 1
	}
	if err := r.writeCommit(ctx, tx, commit, newDocs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit update: %w", mapPgError(err))
	}
	return nil
}

// writeCommit appends the commit's events, the last newDocs documents and
// the idempotency record inside tx.
func (r *PGStore) writeCommit(ctx context.Context, tx pgx.Tx, commit Commit, newDocs int) error {
	c := commit.Case
	for _, ev := range commit.Events {
		required := make([]string, len(ev.RequiredDocuments))
		for i, t := range ev.RequiredDocuments {
			required[i] = string(t)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_timeline_events
				(id, case_id, seq, kind, title, description, party, actor_ref,
				 from_status, to_status, document_id, required_documents, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, ev.ID, c.ID, ev.Seq, string(ev.Kind), ev.Title, ev.Description, string(ev.Party), ev.ActorRef,
			string(ev.FromStatus), string(ev.ToStatus), ev.DocumentID, required, ev.At); err != nil {
			return fmt.Errorf("dispute: insert timeline: %w", mapPgError(err))
		}
	}

	for pos := len(c.Documents) - newDocs; pos < len(c.Documents); pos++ {
		d := c.Documents[pos]
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_documents (id, case_id, position, type, name, uploader_ref, locator, uploaded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, d.ID, c.ID, pos, string(d.Type), d.Name, d.UploaderRef, d.Locator, d.UploadedAt); err != nil {
			return fmt.Errorf("dispute: insert document: %w", mapPgError(err))
		}
	}

	if rec := commit.Idempotency; rec != nil {
		result, err := json.Marshal(rec.Case)
		if err != nil {
			return fmt.Errorf("dispute: encode idempotent result: %w", err)
		}
		var doc []byte
		if rec.Document != nil {
			if doc, err = json.Marshal(rec.Document); err != nil {
				return fmt.Errorf("dispute: encode idempotent document: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_idempotency (key, case_id, operation, result, document, created_at)
			VALUES ($1,$2,$3,$4::jsonb,$5::jsonb,$6)
		`, rec.Key, rec.CaseID, string(rec.Operation), result, doc, rec.CreatedAt); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

// loadChildren fills timelines and documents for the given cases in two queries.
func (r *PGStore) loadChildren(ctx context.Context, cases []Case) error {
	if len(cases) == 0 {
		return nil
	}
	ids := make([]string, len(cases))
	index := make(map[string]int, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
		index[c.ID] = i
	}

	rows, err := r.db.Query(ctx, `
		SELECT case_id, id, seq, kind, title, description, party, actor_ref,
		       from_status, to_status, document_id, required_documents, occurred_at
		FROM dispute_timeline_events
		WHERE case_id = ANY($1)
		ORDER BY case_id, seq
	`, ids)
	if err != nil {
		return fmt.Errorf("dispute: load timeline: %w", err)
	}
	for rows.Next() {
		var (
			caseID                string
			ev                    TimelineEvent
			kind, party, from, to string
			required              []string
		)
		if err := rows.Scan(&caseID, &ev.ID, &ev.Seq, &kind, &ev.Title, &ev.Description, &party, &ev.ActorRef,
			&from, &to, &ev.DocumentID, &required, &ev.At); err != nil {
			rows.Close()
			return fmt.Errorf("dispute: scan timeline: %w", err)
		}
		ev.Kind, ev.Party, ev.FromStatus, ev.ToStatus = EventKind(kind), Party(party), Status(from), Status(to)
		ev.At = ev.At.UTC()
		for _, t := range required {
			ev.RequiredDocuments = append(ev.RequiredDocuments, DocumentType(t))
		}
		i := index[caseID]
		cases[i].Timeline = append(cases[i].Timeline, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate timeline: %w", err)
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, case_id, type, name, uploader_ref, locator, uploaded_at
		FROM dispute_documents
		WHERE case_id = ANY($1)
		ORDER BY case_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("dispute: load documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d   Document
			typ string
		)
		if err := rows.Scan(&d.ID, &d.CaseID, &typ, &d.Name, &d.UploaderRef, &d.Locator, &d.UploadedAt); err != nil {
			return fmt.Errorf("dispute: scan document: %w", err)
		}
		d.Type = DocumentType(typ)
		d.UploadedAt = d.UploadedAt.UTC()
		i := index[d.CaseID]
		cases[i].Documents = append(cases[i].Documents, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate documents: %w", err)
	}
	return nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c                         Case
		channel, reason, status   string
		info, pending, resolution []byte
	)
	if err := row.Scan(&c.ID, &c.CustomerRef, &c.TransactionRef, &channel, &c.Amount.Currency, &c.Amount.Minor,
		&reason, &status, &info, &pending, &resolution, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Case{}, err
	}
	c.Channel, c.Reason, c.Status = Channel(channel), ReasonCode(reason), Status(status)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	if err := json.Unmarshal(info, &c.AdditionalInfo); err != nil {
		return Case{}, fmt.Errorf("decode additional info: %w", err)
	}
	if len(pending) > 0 {
		c.PendingInfo = new(InfoRequest)
		if err := json.Unmarshal(pending, c.PendingInfo); err != nil {
			return Case{}, fmt.Errorf("decode pending info: %w", err)
		}
	}
	if len(resolution) > 0 {
		c.Resolution = new(Resolution)
		if err := json.Unmarshal(resolution, c.Resolution); err != nil {
			return Case{}, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return c, nil
}

func encodeCaseJSON(c Case) (info, pending, resolution []byte, err error) {
	if c.AdditionalInfo == nil {
		c.AdditionalInfo = map[string]string{}
	}
	if info, err = json.Marshal(c.AdditionalInfo); err != nil {
		return nil, nil, nil, fmt.Errorf("dispute: encode additional info: %w", err)
	}
	if c.PendingInfo != nil {
		if pending, err = json.Marshal(c.PendingInfo); err != nil {
			return nil, nil, nil, fmt.Errorf("dispute: encode pending info: %w", err)
		}
	}
	if c.Resolution != nil {
		if resolution, err = json.Marshal(c.Resolution); err != nil {
			return nil, nil, nil, fmt.Errorf("dispute: encode resolution: %w", err)
		}
	}
	return info, pending, resolution, nil
}

// mapPgError turns unique violations into the store's sentinel errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "dispute_cases_open_txn_idx":
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, pgErr.Detail)
	case "dispute_idempotency_pkey":
		return ErrDuplicateIdempotencyKey
	default:
		return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.ConstraintName)
	}
}
