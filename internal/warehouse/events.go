package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CorporateAction is one calendar event (dividend, issuance, meeting).
// ID is a stable hash of the key fields so re-ingesting the same event is a
// no-op update.
type CorporateAction struct {
	ID         string     `db:"id" json:"id"`
	Ticker     string     `db:"ticker" json:"ticker"`
	Exchange   *string    `db:"exchange" json:"exchange,omitempty"`
	ExDate     *time.Time `db:"ex_date" json:"ex_date,omitempty"`
	RecordDate *time.Time `db:"record_date" json:"record_date,omitempty"`
	PayDate    *time.Time `db:"pay_date" json:"pay_date,omitempty"`
	EventType  *string    `db:"event_type" json:"event_type,omitempty"`
	Headline   *string    `db:"headline" json:"headline,omitempty"`
	Source     string     `db:"source" json:"source"`
	SourceURL  *string    `db:"source_url" json:"source_url,omitempty"`
	IngestedAt time.Time  `db:"ingested_at" json:"ingested_at"`
}

// UpsertCorporateActions merges calendar events keyed on the stable id.
func (w *Warehouse) UpsertCorporateActions(ctx context.Context, rows []CorporateAction) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO corporate_actions
				(id, ticker, exchange, ex_date, record_date, pay_date, event_type, headline, source, source_url, ingested_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
			ON CONFLICT (id) DO UPDATE SET
				ex_date = COALESCE(EXCLUDED.ex_date, corporate_actions.ex_date),
				record_date = COALESCE(EXCLUDED.record_date, corporate_actions.record_date),
				pay_date = COALESCE(EXCLUDED.pay_date, corporate_actions.pay_date),
				event_type = COALESCE(EXCLUDED.event_type, corporate_actions.event_type),
				headline = COALESCE(EXCLUDED.headline, corporate_actions.headline),
				source_url = COALESCE(EXCLUDED.source_url, corporate_actions.source_url),
				ingested_at = now()`)
		if err != nil {
			return classify(fmt.Errorf("prepare corporate_actions: %w", err))
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.Ticker, r.Exchange, r.ExDate, r.RecordDate, r.PayDate,
				r.EventType, r.Headline, r.Source, r.SourceURL); err != nil {
				return classify(fmt.Errorf("upsert corporate action %s: %w", r.ID, err))
			}
		}
		logRows("upsert_corporate_actions", len(rows))
		return nil
	})
}

// QueryCorporateActions pages events on (ex_date DESC, id DESC). ticker
// narrows to one symbol; the before pair is the keyset cursor.
func (w *Warehouse) QueryCorporateActions(ctx context.Context, ticker string, limit int, beforeExDate *time.Time, beforeID string) ([]CorporateAction, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	q := `
		SELECT id, ticker, exchange, ex_date, record_date, pay_date,
		       event_type, headline, source, source_url, ingested_at
		FROM corporate_actions
		WHERE 1=1`
	args := []any{}

	if ticker != "" {
		args = append(args, ticker)
		q += fmt.Sprintf(` AND ticker = $%d`, len(args))
	}
	if beforeExDate != nil {
		args = append(args, *beforeExDate, beforeID)
		q += fmt.Sprintf(` AND (ex_date, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY ex_date DESC NULLS LAST, id DESC LIMIT $%d`, len(args))

	var out []CorporateAction
	if err := w.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classify(fmt.Errorf("query corporate actions: %w", err))
	}
	return out, nil
}
