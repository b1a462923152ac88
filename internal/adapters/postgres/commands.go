package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
)

// CommandChannel is the LISTEN/NOTIFY channel the commands insert trigger fires on.
const CommandChannel = "scan_commands"

const commandColumns = `id, type, payload, attempts, created_at, claimed_at, processed_at`

func scanCommand(row pgx.Row) (domain.Command, error) {
	var (
		cmd     domain.Command
		payload []byte
	)
	if err := row.Scan(&cmd.ID, &cmd.Type, &payload, &cmd.Attempts, &cmd.CreatedAt, &cmd.ClaimedAt, &cmd.ProcessedAt); err != nil {
		return domain.Command{}, err
	}
	cmd.Payload = payload
	return cmd, nil
}

func (db *DB) InsertCommand(ctx context.Context, cmd domain.Command) error {
	if !cmd.Type.Valid() {
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO commands (`+commandColumns+`) VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)`,
		cmd.ID, cmd.Type, []byte(cmd.Payload), cmd.Attempts, cmd.CreatedAt, cmd.ClaimedAt, cmd.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", cmd.ID, MapError(err))
	}
	return nil
}

func (db *DB) ClaimCommand(ctx context.Context, typ domain.CommandType, leaseCutoff time.Time) (domain.Command, bool, error) {
	ids, err := db.candidates(ctx, `
		SELECT id FROM commands
		WHERE type = $1 AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < $2)
		ORDER BY created_at, id LIMIT $3`, typ, leaseCutoff, claimCandidates)
	if err != nil {
		return domain.Command{}, false, fmt.Errorf("rank %s commands: %w", typ, err)
	}
	if len(ids) == 0 {
		return domain.Command{}, false, nil
	}
	for _, id := range ids {
		cmd, err := scanCommand(db.Pool.QueryRow(ctx, `
			UPDATE commands SET claimed_at = $3, attempts = attempts + 1
			WHERE id = $1 AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < $2)
			RETURNING `+commandColumns, id, leaseCutoff, db.now()))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return domain.Command{}, false, fmt.Errorf("claim command %s: %w", id, err)
		}
		return cmd, true, nil
	}
	return domain.Command{}, false, domain.ErrClaimContention
}

func (db *DB) MarkProcessed(ctx context.Context, commandID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE commands SET processed_at = COALESCE(processed_at, $2) WHERE id = $1`, commandID, db.now())
	if err != nil {
		return fmt.Errorf("mark command %s processed: %w", commandID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s: %w", commandID, domain.ErrNotFound)
	}
	return nil
}

func (db *DB) HasPendingCommand(ctx context.Context, typ domain.CommandType, scanID string) (bool, error) {
	var pending bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM commands
			WHERE type = $1 AND processed_at IS NULL AND payload->>'scan_id' = $2
		)`, typ, scanID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("look up commands for scan %s: %w", scanID, err)
	}
	return pending, nil
}

// ListenCommands holds one pooled connection in LISTEN mode and calls wake for
// every inserted command until ctx is done.
func (db *DB) ListenCommands(ctx context.Context, wake func(domain.CommandType)) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+CommandChannel); err != nil {
		return fmt.Errorf("listen %s: %w", CommandChannel, err)
	}
	log := logging.FromContext(ctx).With("channel", CommandChannel)
	log.Info("listening for commands")
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		log.Debug("command notification", "type", n.Payload)
		wake(domain.CommandType(n.Payload))
	}
}
