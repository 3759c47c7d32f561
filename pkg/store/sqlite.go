package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tapeworks/meetingbot/pkg/bot"
)

// SQLite is the production Store. A single write lock serializes mutations;
// WAL mode keeps readers unblocked.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		meeting_url TEXT NOT NULL,
		platform TEXT NOT NULL,
		bot_name TEXT DEFAULT '',
		state TEXT NOT NULL,
		recording TEXT DEFAULT '{}',
		transcription TEXT DEFAULT '{}',
		streaming TEXT DEFAULT '{}',
		auto_leave TEXT DEFAULT '{}',
		join_at TEXT,
		metadata TEXT DEFAULT '{}',
		claimed_by TEXT DEFAULT '',
		lease_expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bots_state ON bots(state);
	CREATE INDEX IF NOT EXISTS idx_bots_project ON bots(project_id);
	CREATE INDEX IF NOT EXISTS idx_bots_join_at ON bots(join_at);

	CREATE TABLE IF NOT EXISTS bot_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		old_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_sub_type TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (bot_id) REFERENCES bots(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bot_events_bot ON bot_events(bot_id, id);

	CREATE TABLE IF NOT EXISTS participants (
		bot_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT DEFAULT '',
		is_host INTEGER DEFAULT 0,
		is_screen INTEGER DEFAULT 0,
		presence TEXT NOT NULL,
		first_seen_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bot_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS participant_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT DEFAULT '',
		kind TEXT NOT NULL,
		inferred INTEGER DEFAULT 0,
		observed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participant_events_bot ON participant_events(bot_id, id);

	CREATE TABLE IF NOT EXISTS caption_events (
		bot_id TEXT NOT NULL,
		caption_id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		user_id TEXT DEFAULT '',
		text TEXT NOT NULL,
		final INTEGER DEFAULT 0,
		timestamp_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (bot_id, caption_id)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		bot_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_id TEXT DEFAULT '',
		sender_name TEXT DEFAULT '',
		text TEXT NOT NULL,
		to_bot INTEGER DEFAULT 0,
		timestamp_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (bot_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS transcript_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		user_id TEXT DEFAULT '',
		text TEXT NOT NULL,
		final INTEGER DEFAULT 0,
		confidence REAL DEFAULT 0,
		start_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_bot ON transcript_segments(bot_id, start_ms);

	CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		url TEXT NOT NULL,
		events TEXT DEFAULT '[]',
		created_at TEXT NOT NULL,
		UNIQUE (project_id, url)
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		url TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_bot ON webhook_deliveries(bot_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) CreateBot(ctx context.Context, b *bot.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recording, _ := json.Marshal(b.Recording)
	transcription, _ := json.Marshal(b.Transcription)
	streaming, _ := json.Marshal(b.Streaming)
	autoLeave, _ := json.Marshal(b.AutoLeave)
	metadata, _ := json.Marshal(b.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, project_id, meeting_url, platform, bot_name, state,
			recording, transcription, streaming, auto_leave, join_at, metadata,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.MeetingURL, string(b.Platform), b.BotName, string(b.State),
		string(recording), string(transcription), string(streaming), string(autoLeave),
		formatOptionalTime(b.JoinAt), string(metadata),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	return err
}

func (s *SQLite) GetBot(ctx context.Context, id string) (*bot.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, botColumns+" FROM bots WHERE id = ?", id)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: bot %s", ErrNotFound, id)
	}
	return b, err
}

func (s *SQLite) ListBots(ctx context.Context, f BotFilter) ([]*bot.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := botColumns + " FROM bots WHERE 1=1"
	args := []interface{}{}

	if f.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else {
		query += " LIMIT 200"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*bot.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *SQLite) TransitionBot(ctx context.Context, ev *bot.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE bots SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		string(ev.NewState), formatTime(now), ev.BotID, string(ev.OldState))
	if err != nil {
		tx.Rollback()
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: bot %s is not in state %s", ErrStaleState, ev.BotID, ev.OldState)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO bot_events (bot_id, old_state, new_state, event_type, event_sub_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.BotID, string(ev.OldState), string(ev.NewState),
		string(ev.Type), string(ev.SubType), formatTime(ev.CreatedAt))
	if err != nil {
		tx.Rollback()
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}

	return tx.Commit()
}

func (s *SQLite) ListBotEvents(ctx context.Context, botID string) ([]*bot.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, old_state, new_state, event_type, event_sub_type, created_at
		FROM bot_events WHERE bot_id = ? ORDER BY id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*bot.Event
	for rows.Next() {
		ev := &bot.Event{}
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.BotID, &ev.OldState, &ev.NewState,
			&ev.Type, &ev.SubType, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) DueBots(ctx context.Context, state bot.State, deadline time.Time) ([]*bot.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, botColumns+` FROM bots
		WHERE state = ? AND join_at IS NOT NULL AND join_at <= ?
		AND (claimed_by = '' OR lease_expires_at < ?)
		ORDER BY join_at`,
		string(state), formatTime(deadline), formatTime(time.Now().UTC()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*bot.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *SQLite) ClaimBot(ctx context.Context, botID, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET claimed_by = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (claimed_by = '' OR claimed_by = ? OR lease_expires_at < ?)`,
		owner, formatTime(now.Add(lease)), formatTime(now),
		botID, owner, formatTime(now))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLite) UpsertParticipant(ctx context.Context, p *bot.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (bot_id, user_id, display_name, is_host, is_screen,
			presence, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_host = excluded.is_host,
			is_screen = excluded.is_screen,
			presence = excluded.presence,
			updated_at = excluded.updated_at`,
		p.BotID, p.UserID, p.DisplayName, p.IsHost, p.IsScreen,
		string(p.Presence), formatTime(p.FirstSeenAt), formatTime(p.UpdatedAt))
	return err
}

func (s *SQLite) ListParticipants(ctx context.Context, botID string) ([]*bot.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, user_id, display_name, is_host, is_screen, presence,
			first_seen_at, updated_at
		FROM participants WHERE bot_id = ? ORDER BY first_seen_at`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*bot.Participant
	for rows.Next() {
		p := &bot.Participant{}
		var firstSeen, updated string
		if err := rows.Scan(&p.BotID, &p.UserID, &p.DisplayName, &p.IsHost,
			&p.IsScreen, &p.Presence, &firstSeen, &updated); err != nil {
			return nil, err
		}
		p.FirstSeenAt = parseTime(firstSeen)
		p.UpdatedAt = parseTime(updated)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *SQLite) AddParticipantEvent(ctx context.Context, ev *bot.ParticipantEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO participant_events (bot_id, user_id, display_name, kind, inferred, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.BotID, ev.UserID, ev.DisplayName, string(ev.Kind), ev.Inferred,
		formatTime(ev.ObservedAt))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *SQLite) ListParticipantEvents(ctx context.Context, botID string) ([]*bot.ParticipantEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, display_name, kind, inferred, observed_at
		FROM participant_events WHERE bot_id = ? ORDER BY id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*bot.ParticipantEvent
	for rows.Next() {
		ev := &bot.ParticipantEvent{}
		var observedAt string
		if err := rows.Scan(&ev.ID, &ev.BotID, &ev.UserID, &ev.DisplayName,
			&ev.Kind, &ev.Inferred, &observedAt); err != nil {
			return nil, err
		}
		ev.ObservedAt = parseTime(observedAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) SaveCaption(ctx context.Context, c *bot.CaptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO caption_events (bot_id, caption_id, version, user_id, text, final,
			timestamp_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, caption_id) DO UPDATE SET
			version = excluded.version,
			text = excluded.text,
			final = excluded.final,
			timestamp_ms = excluded.timestamp_ms
		WHERE excluded.version > caption_events.version`,
		c.BotID, c.CaptionID, c.Version, c.UserID, c.Text, c.Final,
		c.TimestampMs, formatTime(c.CreatedAt))
	return err
}

func (s *SQLite) ListCaptions(ctx context.Context, botID string) ([]*bot.CaptionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, caption_id, version, user_id, text, final, timestamp_ms, created_at
		FROM caption_events WHERE bot_id = ? ORDER BY timestamp_ms, caption_id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captions []*bot.CaptionEvent
	for rows.Next() {
		c := &bot.CaptionEvent{}
		var createdAt string
		if err := rows.Scan(&c.BotID, &c.CaptionID, &c.Version, &c.UserID,
			&c.Text, &c.Final, &c.TimestampMs, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		captions = append(captions, c)
	}
	return captions, rows.Err()
}

func (s *SQLite) SaveChatMessage(ctx context.Context, m *bot.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_messages (bot_id, message_id, sender_id, sender_name,
			text, to_bot, timestamp_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BotID, m.MessageID, m.SenderID, m.SenderName, m.Text, m.ToBot,
		m.TimestampMs, formatTime(m.CreatedAt))
	return err
}

func (s *SQLite) ListChatMessages(ctx context.Context, botID string) ([]*bot.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, message_id, sender_id, sender_name, text, to_bot, timestamp_ms, created_at
		FROM chat_messages WHERE bot_id = ? ORDER BY timestamp_ms`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*bot.ChatMessage
	for rows.Next() {
		m := &bot.ChatMessage{}
		var createdAt string
		if err := rows.Scan(&m.BotID, &m.MessageID, &m.SenderID, &m.SenderName,
			&m.Text, &m.ToBot, &m.TimestampMs, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLite) AddTranscriptSegment(ctx context.Context, seg *bot.TranscriptSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_segments (bot_id, user_id, text, final, confidence,
			start_ms, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.BotID, seg.UserID, seg.Text, seg.Final, seg.Confidence,
		seg.StartMs, seg.DurationMs, formatTime(seg.CreatedAt))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		seg.ID = id
	}
	return nil
}

func (s *SQLite) ListTranscriptSegments(ctx context.Context, botID string) ([]*bot.TranscriptSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, text, final, confidence, start_ms, duration_ms, created_at
		FROM transcript_segments WHERE bot_id = ? ORDER BY start_ms, id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*bot.TranscriptSegment
	for rows.Next() {
		seg := &bot.TranscriptSegment{}
		var createdAt string
		if err := rows.Scan(&seg.ID, &seg.BotID, &seg.UserID, &seg.Text, &seg.Final,
			&seg.Confidence, &seg.StartMs, &seg.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		seg.CreatedAt = parseTime(createdAt)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *SQLite) UpsertSubscription(ctx context.Context, sub *bot.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, _ := json.Marshal(sub.Events)
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, project_id, url, events, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, url) DO UPDATE SET events = excluded.events`,
		sub.ID, sub.ProjectID, sub.URL, string(events), formatTime(sub.CreatedAt))
	return err
}

func (s *SQLite) ListSubscriptions(ctx context.Context, projectID string) ([]*bot.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, url, events, created_at
		FROM webhook_subscriptions WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*bot.WebhookSubscription
	for rows.Next() {
		sub := &bot.WebhookSubscription{}
		var events, createdAt string
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.URL, &events, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(events), &sub.Events)
		sub.CreatedAt = parseTime(createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLite) CreateDelivery(ctx context.Context, d *bot.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, bot_id, url, event_kind, payload,
			idempotency_key, attempts, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.BotID, d.URL, d.EventKind, string(d.Payload),
		d.IdempotencyKey, d.Attempts, string(d.Status), d.LastError,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	return err
}

func (s *SQLite) UpdateDelivery(ctx context.Context, d *bot.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET attempts = ?, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		d.Attempts, string(d.Status), d.LastError, formatTime(d.UpdatedAt), d.ID)
	return err
}

func (s *SQLite) ListDeliveries(ctx context.Context, botID string) ([]*bot.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, url, event_kind, payload, idempotency_key, attempts,
			status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE bot_id = ? ORDER BY created_at`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*bot.WebhookDelivery
	for rows.Next() {
		d := &bot.WebhookDelivery{}
		var payload, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.BotID, &d.URL, &d.EventKind, &payload,
			&d.IdempotencyKey, &d.Attempts, &d.Status, &d.LastError,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.Payload = []byte(payload)
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// Scanning helpers

const botColumns = `SELECT id, project_id, meeting_url, platform, bot_name, state,
	recording, transcription, streaming, auto_leave, join_at, metadata,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*bot.Bot, error) {
	b := &bot.Bot{}
	var recording, transcription, streaming, autoLeave, metadata string
	var joinAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&b.ID, &b.ProjectID, &b.MeetingURL, &b.Platform, &b.BotName, &b.State,
		&recording, &transcription, &streaming, &autoLeave, &joinAt, &metadata,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(recording), &b.Recording)
	json.Unmarshal([]byte(transcription), &b.Transcription)
	json.Unmarshal([]byte(streaming), &b.Streaming)
	json.Unmarshal([]byte(autoLeave), &b.AutoLeave)
	json.Unmarshal([]byte(metadata), &b.Metadata)

	if joinAt.Valid {
		t := parseTime(joinAt.String)
		b.JoinAt = &t
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)

	return b, nil
}

// Fixed-width RFC 3339 so stored timestamps compare correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatOptionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
