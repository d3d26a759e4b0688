package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventchat/server/chat/domain"
)

const uniqueViolation = "23505"

// PostgresRepository implements the message, aggregate, presence and directory
// collections on a single pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const messageColumns = `message_id, chat_id, sender_id, recipient_id, content, COALESCE(client_msg_id, ''), status, created_at, delivered_at, read_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m      domain.Message
		status string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID, &m.Content, &m.ClientMsgID, &status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
		return domain.Message{}, err
	}
	parsed, err := domain.ParseMessageStatus(status)
	if err != nil {
		return domain.Message{}, err
	}
	m.Status = parsed
	return m, nil
}

func (r *PostgresRepository) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var clientMsgID *string
	if msg.ClientMsgID != "" {
		clientMsgID = &msg.ClientMsgID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages(message_id, chat_id, sender_id, recipient_id, content, client_msg_id, status, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.ChatID, msg.SenderID, msg.RecipientID, msg.Content, clientMsgID, string(msg.Status), msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Message{}, fmt.Errorf("message %s: %w", msg.ID, domain.ErrDuplicate)
		}
		return domain.Message{}, err
	}
	return msg, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	msg, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE message_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return msg, err
}

func (r *PostgresRepository) ListChatMessages(ctx context.Context, chatID, a, b string) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE chat_id=$1
		  AND ((sender_id=$2 AND recipient_id=$3) OR (sender_id=$3 AND recipient_id=$2))
		ORDER BY created_at ASC, message_id ASC
	`, chatID, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func statusStrings(statuses []domain.MessageStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func (r *PostgresRepository) AdvanceStatus(ctx context.Context, chatID, senderID, recipientID string, to domain.MessageStatus, at time.Time) (int, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return 0, nil
	}
	cmd, err := r.pool.Exec(ctx, `
		UPDATE chat_messages
		SET status=$4::text,
		    delivered_at=COALESCE(delivered_at, $5),
		    read_at=CASE WHEN $4::text = 'READ' THEN $5 ELSE read_at END
		WHERE chat_id=$1 AND sender_id=$2 AND recipient_id=$3 AND status = ANY($6)
	`, chatID, senderID, recipientID, string(to), at, statusStrings(from))
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *PostgresRepository) AdvancePendingFor(ctx context.Context, recipientID string, to domain.MessageStatus, at time.Time) (map[string]int, error) {
	counts := map[string]int{}
	from := to.Predecessors()
	if len(from) == 0 {
		return counts, nil
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE chat_messages
		SET status=$2::text,
		    delivered_at=COALESCE(delivered_at, $3),
		    read_at=CASE WHEN $2::text = 'READ' THEN $3 ELSE read_at END
		WHERE recipient_id=$1 AND status = ANY($4)
		RETURNING sender_id
	`, recipientID, string(to), at, statusStrings(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var senderID string
		if err := rows.Scan(&senderID); err != nil {
			return nil, err
		}
		counts[senderID]++
	}
	return counts, rows.Err()
}

const aggregateColumns = `owner_id, other_id, other_name, other_type, other_avatar, chat_id, last_message, last_message_sender, last_message_at, unread_count, other_online, other_typing, updated_at`

func scanAggregate(row pgx.Row) (domain.ChatAggregate, error) {
	var (
		a         domain.ChatAggregate
		otherType string
		unread    int32
	)
	err := row.Scan(&a.OwnerID, &a.OtherID, &a.OtherName, &otherType, &a.OtherAvatar, &a.ChatID,
		&a.LastMessage, &a.LastMessageSender, &a.LastMessageAt, &unread, &a.OtherOnline, &a.OtherTyping, &a.UpdatedAt)
	if err != nil {
		return domain.ChatAggregate{}, err
	}
	a.OtherType = domain.IdentityKind(otherType)
	if unread > 0 {
		a.UnreadCount = uint32(unread)
	}
	return a, nil
}

func collectAggregates(rows pgx.Rows) ([]domain.ChatAggregate, error) {
	defer rows.Close()
	items := make([]domain.ChatAggregate, 0)
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// ApplyMessage upserts the row; the unread increment and last-message fields are
// written by one statement so the row lock covers both.
func (r *PostgresRepository) ApplyMessage(ctx context.Context, u domain.AggregateUpdate) (domain.ChatAggregate, error) {
	increment := 0
	if u.IncrementUnread {
		increment = 1
	}
	var name, kind, avatar string
	if u.Other != nil {
		name, kind, avatar = u.Other.Name, string(u.Other.Kind), u.Other.AvatarURL
	}
	return scanAggregate(r.pool.QueryRow(ctx, `
		INSERT INTO chat_aggregates(owner_id, other_id, chat_id, last_message, last_message_sender, last_message_at, unread_count, other_name, other_type, other_avatar, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $6)
		ON CONFLICT (owner_id, other_id) DO UPDATE SET
			last_message = CASE WHEN EXCLUDED.last_message_at >= chat_aggregates.last_message_at THEN EXCLUDED.last_message ELSE chat_aggregates.last_message END,
			last_message_sender = CASE WHEN EXCLUDED.last_message_at >= chat_aggregates.last_message_at THEN EXCLUDED.last_message_sender ELSE chat_aggregates.last_message_sender END,
			last_message_at = GREATEST(chat_aggregates.last_message_at, EXCLUDED.last_message_at),
			unread_count = chat_aggregates.unread_count + EXCLUDED.unread_count,
			other_name = COALESCE(NULLIF(EXCLUDED.other_name, ''), chat_aggregates.other_name),
			other_type = COALESCE(NULLIF(EXCLUDED.other_type, ''), chat_aggregates.other_type),
			other_avatar = COALESCE(NULLIF(EXCLUDED.other_avatar, ''), chat_aggregates.other_avatar),
			updated_at = EXCLUDED.updated_at
		RETURNING `+aggregateColumns,
		u.OwnerID, u.OtherID, u.ChatID, u.Content, u.SenderID, u.At, increment, name, kind, avatar))
}

func (r *PostgresRepository) GetAggregate(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, error) {
	a, err := scanAggregate(r.pool.QueryRow(ctx, `SELECT `+aggregateColumns+` FROM chat_aggregates WHERE owner_id=$1 AND other_id=$2`, ownerID, otherID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatAggregate{}, fmt.Errorf("aggregate %s/%s: %w", ownerID, otherID, domain.ErrNotFound)
	}
	return a, err
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.ChatAggregate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+aggregateColumns+`
		FROM chat_aggregates
		WHERE owner_id=$1
		ORDER BY last_message_at DESC, other_id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectAggregates(rows)
}

func (r *PostgresRepository) FindByOther(ctx context.Context, otherID string) ([]domain.ChatAggregate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+aggregateColumns+` FROM chat_aggregates WHERE other_id=$1`, otherID)
	if err != nil {
		return nil, err
	}
	return collectAggregates(rows)
}

func (r *PostgresRepository) ResetUnread(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, bool, error) {
	a, err := scanAggregate(r.pool.QueryRow(ctx, `
		UPDATE chat_aggregates SET unread_count=0
		WHERE owner_id=$1 AND other_id=$2
		RETURNING `+aggregateColumns, ownerID, otherID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatAggregate{}, false, nil
	}
	if err != nil {
		return domain.ChatAggregate{}, false, err
	}
	return a, true, nil
}

func (r *PostgresRepository) SetOtherOnline(ctx context.Context, otherID string, online bool) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE chat_aggregates
		SET other_online=$2, other_typing=CASE WHEN $2 THEN other_typing ELSE FALSE END
		WHERE other_id=$1
		RETURNING owner_id
	`, otherID, online)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (r *PostgresRepository) SetOtherTyping(ctx context.Context, ownerID, otherID string, typing bool) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE chat_aggregates SET other_typing=$3 WHERE owner_id=$1 AND other_id=$2`, ownerID, otherID, typing)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *PostgresRepository) DeleteAggregate(ctx context.Context, ownerID, otherID string) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM chat_aggregates WHERE owner_id=$1 AND other_id=$2`, ownerID, otherID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SavePresence(ctx context.Context, rec domain.PresenceRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO presence_records(identity_id, kind, status, connections, last_seen, last_activity)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id) DO UPDATE SET
			kind=EXCLUDED.kind,
			status=EXCLUDED.status,
			connections=EXCLUDED.connections,
			last_seen=EXCLUDED.last_seen,
			last_activity=EXCLUDED.last_activity
	`, rec.IdentityID, string(rec.Kind), string(rec.Status), int64(rec.Connections), nullTime(rec.LastSeen), nullTime(rec.LastActivity))
	return err
}

func scanPresence(row pgx.Row) (domain.PresenceRecord, error) {
	var (
		rec                    domain.PresenceRecord
		kind, status           string
		connections            int32
		lastSeen, lastActivity *time.Time
	)
	if err := row.Scan(&rec.IdentityID, &kind, &status, &connections, &lastSeen, &lastActivity); err != nil {
		return domain.PresenceRecord{}, err
	}
	rec.Kind = domain.IdentityKind(kind)
	parsed, err := domain.ParsePresenceStatus(status)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	rec.Status = parsed
	if connections > 0 {
		rec.Connections = uint32(connections)
	}
	if lastSeen != nil {
		rec.LastSeen = *lastSeen
	}
	if lastActivity != nil {
		rec.LastActivity = *lastActivity
	}
	return rec, nil
}

func (r *PostgresRepository) GetPresence(ctx context.Context, identityID string) (domain.PresenceRecord, error) {
	rec, err := scanPresence(r.pool.QueryRow(ctx, `
		SELECT identity_id, kind, status, connections, last_seen, last_activity
		FROM presence_records WHERE identity_id=$1
	`, identityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PresenceRecord{}, fmt.Errorf("presence %s: %w", identityID, domain.ErrNotFound)
	}
	return rec, err
}

func (r *PostgresRepository) ListPresence(ctx context.Context) ([]domain.PresenceRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_id, kind, status, connections, last_seen, last_activity
		FROM presence_records ORDER BY identity_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]domain.PresenceRecord, 0)
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) DisplayInfo(ctx context.Context, id string) (domain.DisplayInfo, bool, error) {
	var (
		info domain.DisplayInfo
		kind string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT participant_id, kind, display_name, avatar_url, email
		FROM participants WHERE participant_id=$1
	`, id).Scan(&info.ID, &kind, &info.Name, &info.AvatarURL, &info.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DisplayInfo{}, false, nil
	}
	if err != nil {
		return domain.DisplayInfo{}, false, err
	}
	info.Kind = domain.IdentityKind(kind)
	return info, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
