package greenlight

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/models"
)

// Expected column layouts of the Greenlight tables this adapter writes to.
// A schema drift on upgrade must fail loudly instead of corrupting rows.
var (
	usersColumns = []string{"id", "room_id", "provider", "uid", "name", "username", "email", "social_uid", "image", "password_digest", "accepted_terms", "created_at", "updated_at", "email_verified", "language", "reset_digest", "reset_sent_at", "activation_digest", "activated_at", "deleted", "role_id"}
	roomsColumns = []string{"id", "user_id", "name", "uid", "bbb_id", "sessions", "last_session", "created_at", "updated_at", "room_settings", "moderator_pw", "attendee_pw", "access_code", "deleted"}
	sharedColumns = []string{"id", "room_id", "user_id", "created_at", "updated_at"}
)

// Defaults applied when creating rows on behalf of a meeting owner.
const (
	DefaultProvider = "ldap"
	DefaultRoleID   = 1

	uidPrefix    = "sl-"
	secretLength = 11

	defaultRoomSettings = `{"muteOnStart":true,"requireModeratorApproval":false,"anyoneCanStart":false,"joinModerator":false}`
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrSchemaDrift  = errors.New("greenlight schema has changed")
)

// User is the subset of a Greenlight users row the schedulers care about.
type User struct {
	ID       int64
	RoomID   sql.NullInt64
	UID      string
	Name     string
	Email    string
	Provider string
}

// Room is the subset of a Greenlight rooms row the schedulers care about.
type Room struct {
	ID          int64
	UserID      int64
	Name        string
	UID         string
	BBBID       string
	ModeratorPW string
	AttendeePW  string
	AccessCode  sql.NullString
}

// Store reads and writes the Greenlight Postgres schema directly. Greenlight
// has no management API for rooms and users, so the schedulers go straight
// to its tables.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	now    func() time.Time
	secret func(length int) string
}

// NewStore wraps an established database connection.
func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		secret: randomSecret,
	}
}

// CheckCompatibility verifies the users, rooms and shared_accesses tables
// still look like the Greenlight version this adapter was written against.
func (s *Store) CheckCompatibility(ctx context.Context) error {
	for table, expected := range map[string][]string{
		"users":           usersColumns,
		"rooms":           roomsColumns,
		"shared_accesses": sharedColumns,
	} {
		columns, err := s.tableColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		if !equalColumns(columns, expected) {
			s.logger.WithField("table", table).Error("Greenlight table layout has changed, please update")
			return fmt.Errorf("%w: table %s", ErrSchemaDrift, table)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT column_name FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = $1 ORDER BY ordinal_position", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func equalColumns(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// UserByEmail loads a user row; ErrUserNotFound when absent.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1", email).
		Scan(&u.ID, &u.RoomID, &u.Provider, &u.UID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RoomBy loads a room by one of its unique columns (id, uid, bbb_id or
// name); ErrRoomNotFound when absent.
func (s *Store) RoomBy(ctx context.Context, column string, value interface{}) (*Room, error) {
	if err := roomLookupColumn(column); err != nil {
		return nil, err
	}
	var r Room
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, user_id, name, uid, bbb_id, moderator_pw, attendee_pw, access_code FROM rooms WHERE %s = $1", column), value).
		Scan(&r.ID, &r.UserID, &r.Name, &r.UID, &r.BBBID, &r.ModeratorPW, &r.AttendeePW, &r.AccessCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HomeRoom resolves the user's home room; ErrRoomNotFound when the user has
// none assigned.
func (s *Store) HomeRoom(ctx context.Context, email string) (*Room, error) {
	user, err := s.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.RoomID.Valid {
		return nil, ErrRoomNotFound
	}
	return s.RoomBy(ctx, "id", user.RoomID.Int64)
}

// RoomsOfUser lists every room owned by a user.
func (s *Store) RoomsOfUser(ctx context.Context, userID int64) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, uid, bbb_id, moderator_pw, attendee_pw, access_code FROM rooms WHERE user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.UID, &r.BBBID, &r.ModeratorPW, &r.AttendeePW, &r.AccessCode); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// CreateUser inserts a new user row. Empty optional fields are generated:
// password and uid get random secrets (the uid carries a scheduler prefix),
// the full name falls back to the local part of the email. Returns the new
// user id.
func (s *Store) CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string) (int64, error) {
	if _, err := s.UserByEmail(ctx, email); err == nil {
		s.logger.WithField("email", email).Error("Email does already exist, could not create user")
		return 0, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return 0, err
	}

	if password == "" {
		password = s.secret(secretLength)
	}
	if fullName == "" {
		fullName = models.LocalPart(email)
	}
	if uid == "" {
		uid = uidPrefix + s.secret(secretLength)
	}

	now := s.now()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (room_id, provider, uid, name, username, email, social_uid, image, password_digest, accepted_terms, created_at, updated_at, email_verified, language, reset_digest, reset_sent_at, activation_digest, activated_at, deleted, role_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20) RETURNING id`,
		nil, DefaultProvider, uid, fullName, uid, email, nullString(socialUID), nil, password, true, now, now, true, nil, nil, nil, nil, now, false, DefaultRoleID).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", email, err)
	}
	s.logger.WithFields(logging.Fields{"email": email, "uid": uid}).Info("Created user")
	return id, nil
}

// CreateRoom inserts a room for an existing user. Name falls back to the
// email, uid and passwords to random secrets, the conference id to a fresh
// uuid. Returns the new room id.
func (s *Store) CreateRoom(ctx context.Context, email, name, roomUID, accessCode string) (int64, error) {
	user, err := s.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.WithField("email", email).Error("User does not exist, could not create room")
		}
		return 0, err
	}

	if name == "" {
		name = email
	}
	if roomUID == "" {
		roomUID = s.secret(secretLength)
	}
	if _, err := s.RoomBy(ctx, "uid", roomUID); err == nil {
		s.logger.WithField("uid", roomUID).Error("Room does already exist, could not create room")
		return 0, ErrRoomExists
	} else if !errors.Is(err, ErrRoomNotFound) {
		return 0, err
	}

	bbbID := strings.ReplaceAll(uuid.New().String(), "-", "")
	now := s.now()
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO rooms (user_id, name, uid, bbb_id, sessions, last_session, created_at, updated_at, room_settings, moderator_pw, attendee_pw, access_code, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		user.ID, name, roomUID, bbbID, 0, nil, now, now, defaultRoomSettings, s.secret(secretLength), s.secret(secretLength), nullString(accessCode), false).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create room %s: %w", roomUID, err)
	}
	s.logger.WithFields(logging.Fields{"email": email, "uid": roomUID}).Info("Created room")
	return id, nil
}

// RenameRoom updates the uid or the name of a room. Only those two columns
// may be renamed. Returns the number of updated rows.
func (s *Store) RenameRoom(ctx context.Context, oldValue, newValue, renameBy string) (int64, error) {
	if renameBy != "uid" && renameBy != "name" {
		return 0, fmt.Errorf("renaming rooms is only allowed by uid or name, given: %s", renameBy)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE rooms SET %s = $1 WHERE %s = $2", renameBy, renameBy), newValue, oldValue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ShareRoom grants a user access to a room. roomRef is resolved through
// shareBy (id, uid or name). Returns the number of inserted rows.
func (s *Store) ShareRoom(ctx context.Context, roomRef interface{}, email, shareBy string) (int64, error) {
	room, user, err := s.resolveShare(ctx, roomRef, email, shareBy)
	if err != nil {
		return 0, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO shared_accesses (room_id, user_id, created_at, updated_at) VALUES ($1, $2, $3, $4)",
		room.ID, user.ID, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnshareRoom revokes a user's access to a room. Returns the number of
// deleted rows.
func (s *Store) UnshareRoom(ctx context.Context, roomRef interface{}, email, shareBy string) (int64, error) {
	room, user, err := s.resolveShare(ctx, roomRef, email, shareBy)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM shared_accesses WHERE room_id = $1 AND user_id = $2", room.ID, user.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) resolveShare(ctx context.Context, roomRef interface{}, email, shareBy string) (*Room, *User, error) {
	user, err := s.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.WithField("email", email).Error("User does not exist, could not change room sharing")
		}
		return nil, nil, err
	}
	column := shareBy
	if column == "" || column == "room_id" {
		column = "id"
	}
	room, err := s.RoomBy(ctx, column, roomRef)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.logger.WithFields(logging.Fields{"room": roomRef, "email": email}).Error("Room does not exist, could not change room sharing")
		}
		return nil, nil, err
	}
	return room, user, nil
}

// DeleteRoom removes a room plus its home-room references and shared
// accesses, all in one transaction. roomRef is resolved through deleteBy
// (id, uid, bbb_id or name). Returns the number of deleted room rows.
func (s *Store) DeleteRoom(ctx context.Context, roomRef interface{}, deleteBy string) (int64, error) {
	room, err := s.RoomBy(ctx, deleteBy, roomRef)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.logger.WithField("room", fmt.Sprint(roomRef)).Error("Room does not exist, could not delete")
		}
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	deleted, err := deleteRoomTx(ctx, tx, room.ID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.WithField("uid", room.UID).Debug("Deleted room")
	}
	return deleted, nil
}

// deleteRoomTx deletes one room row and, when it existed, detaches it as
// home room and drops its shares.
func deleteRoomTx(ctx context.Context, tx *sql.Tx, roomID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomID)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil || deleted == 0 {
		return deleted, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE users SET room_id = NULL WHERE room_id = $1", roomID); err != nil {
		return deleted, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM shared_accesses WHERE room_id = $1", roomID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// DeleteUser removes a user by email, including the user's role links and
// every room the user owns, in one transaction. Returns the number of
// deleted user rows.
func (s *Store) DeleteUser(ctx context.Context, email string) (int64, error) {
	user, err := s.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.WithField("email", email).Error("User does not exist, could not delete")
		}
		return 0, err
	}

	rooms, err := s.RoomsOfUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", user.ID)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM users_roles WHERE user_id = $1", user.ID); err != nil {
			return 0, err
		}
		for _, room := range rooms {
			if _, err := deleteRoomTx(ctx, tx, room.ID); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.WithField("email", email).Debug("Deleted user")
	}
	return deleted, nil
}

// AssignHomeRoom points a user's home room at an existing room. Returns the
// number of updated rows.
func (s *Store) AssignHomeRoom(ctx context.Context, email string, roomID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET room_id = $1 WHERE email = $2", roomID, email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateRoom overwrites one room column. Only the columns the schedulers
// manage may be written.
func (s *Store) UpdateRoom(ctx context.Context, roomID int64, column string, value interface{}) (int64, error) {
	switch column {
	case "name", "uid", "access_code", "bbb_id":
	default:
		return 0, fmt.Errorf("rooms column %s cannot be updated", column)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE rooms SET %s = $1 WHERE id = $2", column), value, roomID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetUserRole updates the role of a user by email. Returns the number of
// updated rows.
func (s *Store) SetUserRole(ctx context.Context, email string, roleID int) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET role_id = $1 WHERE email = $2", roleID, email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func roomLookupColumn(column string) error {
	switch column {
	case "id", "uid", "bbb_id", "name":
		return nil
	}
	return fmt.Errorf("rooms cannot be looked up by column %s", column)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSecret(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(buf)
}
