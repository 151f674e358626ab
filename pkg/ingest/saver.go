// Package ingest persists parsed post batches atomically and hands the
// resulting events to the outbox for publication.
//
// One call saves one batch for one channel. Every insert carries a
// conflict clause, so replaying the same batch is a silent no-op, and the
// outbox rows are written inside the same transaction so an event can
// never be published for data that was not persisted.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// Batch-level skip reasons. Both are non-fatal: the batch is dropped with
// a metric, not an error that would poison the caller's retry loop.
var (
	ErrChannelNotFound      = errors.New("channel_not_found")
	ErrUserNotSubscribed    = errors.New("user_not_subscribed")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
)

// MediaInput is one already-stored media object of a post.
type MediaInput struct {
	SHA256    string
	Key       string
	MIME      string
	SizeBytes int64
	Position  int
	Role      string
}

// ForwardInput, ReactionInput and ReplyInput mirror their natural-key
// tables.
type ForwardInput struct {
	FromChannelID int64
	FromMessageID int64
	ForwardedAt   *time.Time
}

type ReactionInput struct {
	Emoji string
	Count int
}

type ReplyInput struct {
	ReplyMessageID int64
	Author         string
	Text           string
	RepliedAt      *time.Time
}

// PostInput is one post of a batch. MessageSeq is the per-channel
// monotonic Telegram sequence and forms the idempotency key together
// with the channel.
type PostInput struct {
	MessageSeq  int64
	Text        string
	PostedAt    time.Time
	GroupedID   int64
	TelegramURL string
	Media       []MediaInput
	Forwards    []ForwardInput
	Reactions   []ReactionInput
	Replies     []ReplyInput
}

// Batch is one ingest call. ChannelUsername resolves the channel when
// ChannelID is zero.
type Batch struct {
	ChannelID       int64
	ChannelUsername string
	UserID          string
	TenantID        string
	TraceID         string
	Posts           []PostInput
}

// Result reports what one batch produced.
type Result struct {
	ChannelID int64
	PostIDs   []string
	Inserted  int
	Albums    int
}

// Saver is the atomic batch writer.
type Saver struct {
	db *sql.DB
}

// NewSaver creates a saver on the shared pool.
func NewSaver(db *sql.DB) *Saver {
	return &Saver{db: db}
}

// SaveBatch persists one batch in a single transaction.
//
// Steps:
//  1. resolve the channel (id or username)
//  2. subscription check, skip with a metric when it fails
//  3. insert posts, media, maps, forwards, reactions, replies
//  4. upsert media groups for album posts
//  5. write outbox rows for posts.parsed, posts.vision.uploaded and
//     albums.parsed
func (s *Saver) SaveBatch(ctx context.Context, batch Batch) (Result, error) {
	channelID, err := s.resolveChannel(ctx, batch)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			metrics.BatchesSkipped.WithLabelValues("channel_not_found").Inc()
		}
		return Result{}, err
	}

	if err := s.checkSubscription(ctx, batch.UserID, channelID); err != nil {
		switch {
		case errors.Is(err, ErrUserNotSubscribed):
			metrics.BatchesSkipped.WithLabelValues("user_not_subscribed").Inc()
		case errors.Is(err, ErrSubscriptionInactive):
			metrics.BatchesSkipped.WithLabelValues("subscription_inactive").Inc()
		}
		return Result{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin ingest transaction: %w", err)
	}
	defer tx.Rollback()

	res := Result{ChannelID: channelID}
	albums := map[int64][]string{}     // grouped_id -> post ids in batch order
	albumMIMEs := map[int64][]string{} // grouped_id -> member media MIMEs

	for _, post := range batch.Posts {
		postID, inserted, err := s.insertPost(ctx, tx, channelID, batch.TenantID, post)
		if err != nil {
			return Result{}, err
		}
		res.PostIDs = append(res.PostIDs, postID)
		if inserted {
			res.Inserted++
		}

		if err := s.insertMedia(ctx, tx, postID, post.Media); err != nil {
			return Result{}, err
		}
		if err := s.insertInteractions(ctx, tx, postID, post); err != nil {
			return Result{}, err
		}
		if post.GroupedID != 0 {
			albums[post.GroupedID] = append(albums[post.GroupedID], postID)
			for _, m := range post.Media {
				albumMIMEs[post.GroupedID] = append(albumMIMEs[post.GroupedID], m.MIME)
			}
		}

		if inserted {
			if err := s.queuePostEvents(ctx, tx, channelID, batch, post, postID); err != nil {
				return Result{}, err
			}
		}
	}

	for groupedID, postIDs := range albums {
		if err := s.upsertAlbum(ctx, tx, channelID, batch, groupedID, postIDs,
			albumKind(albumMIMEs[groupedID])); err != nil {
			return Result{}, err
		}
		res.Albums++
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit ingest transaction: %w", err)
	}

	slog.Info("Batch saved",
		"channel_id", channelID, "posts", len(batch.Posts),
		"inserted", res.Inserted, "albums", res.Albums)
	return res, nil
}

func (s *Saver) resolveChannel(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	var err error
	if batch.ChannelID != 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM channels WHERE id = $1`, batch.ChannelID).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM channels WHERE username = $1`, batch.ChannelUsername).Scan(&id)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %d %q", ErrChannelNotFound, batch.ChannelID, batch.ChannelUsername)
		}
		return 0, fmt.Errorf("failed to resolve channel: %w", err)
	}
	return id, nil
}

func (s *Saver) checkSubscription(ctx context.Context, userID string, channelID int64) error {
	var isActive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM user_channel WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID).Scan(&isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s channel %d", ErrUserNotSubscribed, userID, channelID)
		}
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if !isActive {
		return fmt.Errorf("%w: user %s channel %d", ErrSubscriptionInactive, userID, channelID)
	}
	return nil
}

// insertPost inserts one post. The second return reports whether the row
// is new; a conflict on (channel_id, message_seq) resolves to the
// existing id and inserted=false.
func (s *Saver) insertPost(ctx context.Context, tx *sql.Tx, channelID int64, tenantID string, post PostInput) (string, bool, error) {
	newID := uuid.NewString()
	var groupedID sql.NullInt64
	if post.GroupedID != 0 {
		groupedID = sql.NullInt64{Int64: post.GroupedID, Valid: true}
	}

	var id string
	err := tx.QueryRowContext(ctx,
		`INSERT INTO posts (id, channel_id, tenant_id, message_seq, text, posted_at, grouped_id, has_media, telegram_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (channel_id, message_seq) DO NOTHING
		 RETURNING id`,
		newID, channelID, tenantID, post.MessageSeq, post.Text, post.PostedAt,
		groupedID, len(post.Media) > 0, post.TelegramURL,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to insert post seq %d: %w", post.MessageSeq, err)
	}

	// Conflict: the post already exists, fetch its id.
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM posts WHERE channel_id = $1 AND message_seq = $2`,
		channelID, post.MessageSeq).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch existing post seq %d: %w", post.MessageSeq, err)
	}
	return id, false, nil
}

// insertMedia upserts media objects and maps them to the post. refs_count
// is bumped only when the map row is actually new, so replays never
// inflate it.
func (s *Saver) insertMedia(ctx context.Context, tx *sql.Tx, postID string, media []MediaInput) error {
	for _, m := range media {
		role := m.Role
		if role == "" {
			role = events.MediaRolePrimary
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO media_objects (file_sha256, mime, size_bytes, object_key, bucket)
			 VALUES ($1, $2, $3, $4, '')
			 ON CONFLICT (file_sha256) DO UPDATE SET last_seen_at = now()`,
			m.SHA256, m.MIME, m.SizeBytes, m.Key)
		if err != nil {
			return fmt.Errorf("failed to upsert media object %s: %w", m.SHA256, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO post_media_map (post_id, file_sha256, position, role)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (post_id, file_sha256) DO NOTHING`,
			postID, m.SHA256, m.Position, role)
		if err != nil {
			return fmt.Errorf("failed to map media %s to post %s: %w", m.SHA256, postID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE media_objects SET refs_count = refs_count + 1 WHERE file_sha256 = $1`,
				m.SHA256); err != nil {
				return fmt.Errorf("failed to bump refs for %s: %w", m.SHA256, err)
			}
		}
	}
	return nil
}

func (s *Saver) insertInteractions(ctx context.Context, tx *sql.Tx, postID string, post PostInput) error {
	for _, f := range post.Forwards {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO post_forwards (post_id, from_channel_id, from_message_id, forwarded_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (post_id, from_channel_id, from_message_id) DO NOTHING`,
			postID, f.FromChannelID, f.FromMessageID, f.ForwardedAt)
		if err != nil {
			return fmt.Errorf("failed to insert forward for post %s: %w", postID, err)
		}
	}
	for _, r := range post.Reactions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO post_reactions (post_id, emoji, count)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (post_id, emoji) DO UPDATE SET count = EXCLUDED.count`,
			postID, r.Emoji, r.Count)
		if err != nil {
			return fmt.Errorf("failed to insert reaction for post %s: %w", postID, err)
		}
	}
	for _, r := range post.Replies {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO post_replies (post_id, reply_message_id, author, text, replied_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (post_id, reply_message_id) DO NOTHING`,
			postID, r.ReplyMessageID, r.Author, r.Text, r.RepliedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reply for post %s: %w", postID, err)
		}
	}
	return nil
}

// albumKind classifies a group from its members' media MIMEs. A group
// whose members disagree is mixed; a group seen without media defaults
// to photo until a later batch brings the files.
func albumKind(mimes []string) string {
	kind := ""
	for _, m := range mimes {
		var k string
		switch {
		case strings.HasPrefix(m, "image/"):
			k = "photo"
		case strings.HasPrefix(m, "video/"):
			k = "video"
		default:
			k = "document"
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return "mixed"
		}
	}
	if kind == "" {
		return "photo"
	}
	return kind
}

// upsertAlbum records the album sighting. items_count only grows; a later
// batch reporting a smaller count never shrinks the expectation. A kind
// that disagrees with what is already recorded resolves to mixed.
func (s *Saver) upsertAlbum(ctx context.Context, tx *sql.Tx, channelID int64, batch Batch, groupedID int64, batchPostIDs []string, kind string) error {
	var groupID string
	var itemsCount int
	err := tx.QueryRowContext(ctx,
		`INSERT INTO media_groups (id, tenant_id, channel_id, grouped_id, items_count, album_kind)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, channel_id, grouped_id) DO UPDATE
		     SET items_count = GREATEST(media_groups.items_count, EXCLUDED.items_count),
		         album_kind = CASE WHEN media_groups.album_kind = EXCLUDED.album_kind
		                           THEN media_groups.album_kind ELSE 'mixed' END
		 RETURNING id, items_count`,
		uuid.NewString(), batch.TenantID, channelID, groupedID, len(batchPostIDs), kind,
	).Scan(&groupID, &itemsCount)
	if err != nil {
		return fmt.Errorf("failed to upsert media group %d: %w", groupedID, err)
	}

	// Split-batch robustness: the event carries every known sibling, not
	// just this batch's posts.
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM posts WHERE channel_id = $1 AND grouped_id = $2 ORDER BY message_seq`,
		channelID, groupedID)
	if err != nil {
		return fmt.Errorf("failed to list album siblings %d: %w", groupedID, err)
	}
	var allPostIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan album sibling: %w", err)
		}
		allPostIDs = append(allPostIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(allPostIDs) > itemsCount {
		itemsCount = len(allPostIDs)
		if _, err := tx.ExecContext(ctx,
			`UPDATE media_groups SET items_count = $2 WHERE id = $1 AND items_count < $2`,
			groupID, itemsCount); err != nil {
			return fmt.Errorf("failed to grow media group %s: %w", groupID, err)
		}
	}

	for i, postID := range allPostIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO media_group_items (group_id, position, post_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (group_id, position) DO NOTHING`,
			groupID, i, postID); err != nil {
			return fmt.Errorf("failed to insert album item %s: %w", postID, err)
		}
	}

	payload := events.AlbumsParsedPayload{
		Envelope: events.NewEnvelope(
			fmt.Sprintf("albums.parsed:%s:%d", groupID, itemsCount),
			batch.TraceID, batch.TenantID),
		GroupID:    groupID,
		ChannelID:  channelID,
		GroupedID:  groupedID,
		ItemsCount: itemsCount,
		PostIDs:    allPostIDs,
	}
	return queueOutbox(ctx, tx, events.StreamAlbumsParsed, payload)
}

// queuePostEvents writes the outbox rows a new post produces.
func (s *Saver) queuePostEvents(ctx context.Context, tx *sql.Tx, channelID int64, batch Batch, post PostInput, postID string) error {
	shas := make([]string, 0, len(post.Media))
	mediaFiles := make([]events.MediaFile, 0, len(post.Media))
	for _, m := range post.Media {
		shas = append(shas, m.SHA256)
		mediaFiles = append(mediaFiles, events.MediaFile{
			SHA256: m.SHA256, Key: m.Key, MIME: m.MIME, SizeBytes: m.SizeBytes,
		})
	}

	parsed := events.PostsParsedPayload{
		Envelope: events.NewEnvelope(
			fmt.Sprintf("posts.parsed:%d:%d", channelID, post.MessageSeq),
			batch.TraceID, batch.TenantID),
		PostID:          postID,
		ChannelID:       channelID,
		Text:            post.Text,
		HasMedia:        len(post.Media) > 0,
		MediaSHA256List: shas,
		GroupedID:       post.GroupedID,
		TelegramPostURL: post.TelegramURL,
		PostedAt:        post.PostedAt,
	}
	if err := queueOutbox(ctx, tx, events.StreamPostsParsed, parsed); err != nil {
		return err
	}

	if len(mediaFiles) == 0 {
		return nil
	}
	uploaded := events.VisionUploadedPayload{
		Envelope: events.NewEnvelope(
			"posts.vision.uploaded:"+postID,
			batch.TraceID, batch.TenantID),
		PostID:     postID,
		ChannelID:  channelID,
		GroupedID:  post.GroupedID,
		MediaFiles: mediaFiles,
		UploadedAt: time.Now().UTC(),
	}
	return queueOutbox(ctx, tx, events.StreamVisionUploaded, uploaded)
}

// queueOutbox stores one event for the relay. Duplicate idempotency keys
// are silent no-ops so replayed batches do not re-emit.
func queueOutbox(ctx context.Context, tx *sql.Tx, stream string, payload bus.Envelope) error {
	idemKey, _, _, _, _ := payload.Headers()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload for %s: %w", stream, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (stream, idempotency_key, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		stream, idemKey, body)
	if err != nil {
		return fmt.Errorf("failed to queue outbox event for %s: %w", stream, err)
	}
	return nil
}
