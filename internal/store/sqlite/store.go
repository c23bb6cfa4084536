// Package sqlite persists users, follows and blacklists for the bridge.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"twitter2telegram/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database. The connection pool is capped at 5; only
// Telegram handlers and the credential-expiry path touch it.
type Store struct {
	db *sql.DB
}

// New opens the database at path, enables WAL mode and creates the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite opened", "path", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                   INTEGER PRIMARY KEY,
			label                TEXT    NOT NULL,
			twitter_access_token TEXT,
			twitter_status       INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			disable_retweet      INTEGER NOT NULL DEFAULT 0,
			disable_text_msg     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS follows (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			twitter_user_id  INTEGER NOT NULL,
			twitter_username TEXT    NOT NULL,
			created_at       INTEGER NOT NULL,
			follow_rt_count  INTEGER NOT NULL DEFAULT 0,
			block_rt_count   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_follows_user ON follows(user_id);

		CREATE TABLE IF NOT EXISTS blacklists (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			twitter_user_id  INTEGER NOT NULL,
			twitter_username TEXT    NOT NULL,
			created_at       INTEGER NOT NULL,
			type             INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_blacklists_user ON blacklists(user_id);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// GetUser returns the user with the given Telegram id, or nil when absent.
func (s *Store) GetUser(id int64) (*model.User, error) {
	row := s.db.QueryRow(`
		SELECT id, label, twitter_access_token, twitter_status, created_at,
		       disable_retweet, disable_text_msg
		FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(u model.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, label, twitter_status, created_at)
		VALUES (?, ?, ?, ?)`,
		u.ID, u.Label, u.TwitterStatus, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite create user: %w", err)
	}
	return nil
}

// UpdateTwitterToken stores a fresh access token and authorization status.
func (s *Store) UpdateTwitterToken(userID int64, token string, status bool) error {
	_, err := s.db.Exec(`
		UPDATE users SET twitter_access_token = ?, twitter_status = ? WHERE id = ?`,
		token, status, userID)
	if err != nil {
		return fmt.Errorf("sqlite update token: %w", err)
	}
	return nil
}

// SetTwitterStatus flips the authorization flag, used when a credential expires.
func (s *Store) SetTwitterStatus(userID int64, status bool) error {
	_, err := s.db.Exec(`UPDATE users SET twitter_status = ? WHERE id = ?`, status, userID)
	if err != nil {
		return fmt.Errorf("sqlite set twitter status: %w", err)
	}
	return nil
}

// SetDisableRetweet updates the per-user retweet delivery preference.
func (s *Store) SetDisableRetweet(userID int64, disable bool) error {
	_, err := s.db.Exec(`UPDATE users SET disable_retweet = ? WHERE id = ?`, disable, userID)
	if err != nil {
		return fmt.Errorf("sqlite set disable_retweet: %w", err)
	}
	return nil
}

// SetDisableTextMsg updates the per-user text message preference.
func (s *Store) SetDisableTextMsg(userID int64, disable bool) error {
	_, err := s.db.Exec(`UPDATE users SET disable_text_msg = ? WHERE id = ?`, disable, userID)
	if err != nil {
		return fmt.Errorf("sqlite set disable_text_msg: %w", err)
	}
	return nil
}

// GetUsersWithValidTwitterStatus returns users holding a live authorization.
func (s *Store) GetUsersWithValidTwitterStatus() ([]model.User, error) {
	rows, err := s.db.Query(`
		SELECT id, label, twitter_access_token, twitter_status, created_at,
		       disable_retweet, disable_text_msg
		FROM users WHERE twitter_status = 1`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(r rowScanner) (*model.User, error) {
	var u model.User
	var token sql.NullString
	var createdAt int64
	if err := r.Scan(&u.ID, &u.Label, &token, &u.TwitterStatus, &createdAt,
		&u.DisableRetweet, &u.DisableTextMsg); err != nil {
		return nil, err
	}
	u.TwitterAccessToken = token.String
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// CreateFollow inserts a subscription row.
func (s *Store) CreateFollow(f model.Follow) error {
	_, err := s.db.Exec(`
		INSERT INTO follows (user_id, twitter_user_id, twitter_username, created_at)
		VALUES (?, ?, ?, ?)`,
		f.UserID, f.TwitterUserID, f.TwitterUsername, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite create follow: %w", err)
	}
	return nil
}

// DeleteFollow removes a subscription row.
func (s *Store) DeleteFollow(userID, twitterUserID int64) error {
	_, err := s.db.Exec(`
		DELETE FROM follows WHERE user_id = ? AND twitter_user_id = ?`,
		userID, twitterUserID)
	if err != nil {
		return fmt.Errorf("sqlite delete follow: %w", err)
	}
	return nil
}

// GetFollowsByUser lists one user's subscriptions.
func (s *Store) GetFollowsByUser(userID int64) ([]model.Follow, error) {
	return s.queryFollows(`
		SELECT id, user_id, twitter_user_id, twitter_username, created_at,
		       follow_rt_count, block_rt_count
		FROM follows WHERE user_id = ? ORDER BY created_at ASC`, userID)
}

// GetFollowsByUsers lists every subscription belonging to the given users,
// ordered by creation time so bootstrap replays them in insertion order.
func (s *Store) GetFollowsByUsers(userIDs []int64) ([]model.Follow, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	return s.queryFollows(fmt.Sprintf(`
		SELECT id, user_id, twitter_user_id, twitter_username, created_at,
		       follow_rt_count, block_rt_count
		FROM follows WHERE user_id IN (%s) ORDER BY created_at ASC`, placeholders), args...)
}

func (s *Store) queryFollows(query string, args ...interface{}) ([]model.Follow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query follows: %w", err)
	}
	defer rows.Close()

	var follows []model.Follow
	for rows.Next() {
		var f model.Follow
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.UserID, &f.TwitterUserID, &f.TwitterUsername,
			&createdAt, &f.FollowRTCount, &f.BlockRTCount); err != nil {
			return nil, fmt.Errorf("sqlite scan follow: %w", err)
		}
		f.CreatedAt = time.Unix(createdAt, 0).UTC()
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// IncreaseFollowRTCount bumps the "followed because of this retweeter" counter.
func (s *Store) IncreaseFollowRTCount(userID, twitterUserID int64) error {
	_, err := s.db.Exec(`
		UPDATE follows SET follow_rt_count = follow_rt_count + 1
		WHERE user_id = ? AND twitter_user_id = ?`, userID, twitterUserID)
	if err != nil {
		return fmt.Errorf("sqlite increase follow_rt_count: %w", err)
	}
	return nil
}

// IncreaseBlockRTCount bumps the "blocked because of this retweeter" counter.
func (s *Store) IncreaseBlockRTCount(userID, twitterUserID int64) error {
	_, err := s.db.Exec(`
		UPDATE follows SET block_rt_count = block_rt_count + 1
		WHERE user_id = ? AND twitter_user_id = ?`, userID, twitterUserID)
	if err != nil {
		return fmt.Errorf("sqlite increase block_rt_count: %w", err)
	}
	return nil
}

// CreateBlacklist inserts a block entry.
func (s *Store) CreateBlacklist(b model.Blacklist) error {
	_, err := s.db.Exec(`
		INSERT INTO blacklists (user_id, twitter_user_id, twitter_username, created_at, type)
		VALUES (?, ?, ?, ?, ?)`,
		b.UserID, b.TwitterUserID, b.TwitterUsername, b.CreatedAt.Unix(), int(b.Type))
	if err != nil {
		return fmt.Errorf("sqlite create blacklist: %w", err)
	}
	return nil
}

// DeleteBlacklist removes a block entry.
func (s *Store) DeleteBlacklist(userID, twitterUserID int64, kind model.BlacklistType) error {
	_, err := s.db.Exec(`
		DELETE FROM blacklists WHERE user_id = ? AND twitter_user_id = ? AND type = ?`,
		userID, twitterUserID, int(kind))
	if err != nil {
		return fmt.Errorf("sqlite delete blacklist: %w", err)
	}
	return nil
}

// GetAllBlacklist loads every block entry, used to seed the in-memory index.
func (s *Store) GetAllBlacklist() ([]model.Blacklist, error) {
	return s.queryBlacklists(`
		SELECT id, user_id, twitter_user_id, twitter_username, created_at, type
		FROM blacklists`)
}

// GetBlacklistByUser lists one user's block entries of the given kind.
func (s *Store) GetBlacklistByUser(userID int64, kind model.BlacklistType) ([]model.Blacklist, error) {
	return s.queryBlacklists(`
		SELECT id, user_id, twitter_user_id, twitter_username, created_at, type
		FROM blacklists WHERE user_id = ? AND type = ?`, userID, int(kind))
}

func (s *Store) queryBlacklists(query string, args ...interface{}) ([]model.Blacklist, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query blacklists: %w", err)
	}
	defer rows.Close()

	var list []model.Blacklist
	for rows.Next() {
		var b model.Blacklist
		var createdAt int64
		var kind int
		if err := rows.Scan(&b.ID, &b.UserID, &b.TwitterUserID, &b.TwitterUsername,
			&createdAt, &kind); err != nil {
			return nil, fmt.Errorf("sqlite scan blacklist: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		b.Type = model.BlacklistType(kind)
		list = append(list, b)
	}
	return list, rows.Err()
}
