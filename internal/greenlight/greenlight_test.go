package greenlight

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aau-zid/scheduLight/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, logging.NewLogger())
	store.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	store.secret = func(length int) string { return "fixedSecret" }
	return store, mock
}

func columnRows(columns []string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, c := range columns {
		rows.AddRow(c)
	}
	return rows
}

func TestCheckCompatibility(t *testing.T) {
	store, mock := newTestStore(t)
	// Table iteration order is not fixed, so match each query by argument.
	mock.MatchExpectationsInOrder(false)
	for table, columns := range map[string][]string{
		"users":           usersColumns,
		"rooms":           roomsColumns,
		"shared_accesses": sharedColumns,
	} {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT column_name FROM INFORMATION_SCHEMA.COLUMNS")).
			WithArgs(table).
			WillReturnRows(columnRows(columns))
	}

	require.NoError(t, store.CheckCompatibility(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCompatibilityDrift(t *testing.T) {
	store, mock := newTestStore(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT column_name FROM INFORMATION_SCHEMA.COLUMNS")).
		WillReturnRows(columnRows([]string{"id", "something_new"}))

	err := store.CheckCompatibility(context.Background())
	require.ErrorIs(t, err, ErrSchemaDrift)
}

func TestUserByEmail(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1")).
		WithArgs("alice@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}).
			AddRow(7, 3, "ldap", "sl-abc", "Alice", "alice@example.org"))

	user, err := store.UserByEmail(context.Background(), "alice@example.org")
	require.NoError(t, err)
	require.Equal(t, int64(7), user.ID)
	require.True(t, user.RoomID.Valid)
	require.Equal(t, int64(3), user.RoomID.Int64)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserByEmailNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1")).
		WithArgs("ghost@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}))

	_, err := store.UserByEmail(context.Background(), "ghost@example.org")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateUserAlreadyExists(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1")).
		WithArgs("alice@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}).
			AddRow(7, nil, "ldap", "sl-abc", "Alice", "alice@example.org"))

	_, err := store.CreateUser(context.Background(), "alice@example.org", "Alice", "", "", "")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestCreateUserGeneratesDefaults(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1")).
		WithArgs("bob@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(nil, "ldap", "sl-fixedSecret", "bob", "sl-fixedSecret", "bob@example.org", nil, nil,
			"fixedSecret", true, sqlmock.AnyArg(), sqlmock.AnyArg(), true, nil, nil, nil, nil,
			sqlmock.AnyArg(), false, DefaultRoleID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := store.CreateUser(context.Background(), "bob@example.org", "", "", "", "")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoom(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, room_id, provider, uid, name, email FROM users WHERE email = $1")).
		WithArgs("alice@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}).
			AddRow(7, nil, "ldap", "sl-abc", "Alice", "alice@example.org"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM rooms WHERE uid = $1")).
		WithArgs("weekly-sync").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "uid", "bbb_id", "moderator_pw", "attendee_pw", "access_code"}))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rooms")).
		WithArgs(int64(7), "Weekly Sync", "weekly-sync", sqlmock.AnyArg(), 0, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), defaultRoomSettings,
			"fixedSecret", "fixedSecret", "1234", false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	id, err := store.CreateRoom(context.Background(), "alice@example.org", "Weekly Sync", "weekly-sync", "1234")
	require.NoError(t, err)
	require.Equal(t, int64(11), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoomUnknownUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("ghost@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}))

	_, err := store.CreateRoom(context.Background(), "ghost@example.org", "", "", "")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestRenameRoomRestrictsColumns(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.RenameRoom(context.Background(), "old", "new", "bbb_id")
	require.Error(t, err)
}

func TestRenameRoomByUID(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE rooms SET uid = $1 WHERE uid = $2")).
		WithArgs("new-uid", "old-uid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.RenameRoom(context.Background(), "old-uid", "new-uid", "uid")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestShareRoomByName(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("carol@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}).
			AddRow(9, nil, "ldap", "sl-xyz", "Carol", "carol@example.org"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM rooms WHERE name = $1")).
		WithArgs("Weekly Sync").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "uid", "bbb_id", "moderator_pw", "attendee_pw", "access_code"}).
			AddRow(11, 7, "Weekly Sync", "weekly-sync", "deadbeef", "modpw", "attpw", nil))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shared_accesses")).
		WithArgs(int64(11), int64(9), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	n, err := store.ShareRoom(context.Background(), "Weekly Sync", "carol@example.org", "name")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRoomCascades(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rooms WHERE uid = $1")).
		WithArgs("weekly-sync").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "uid", "bbb_id", "moderator_pw", "attendee_pw", "access_code"}).
			AddRow(11, 7, "Weekly Sync", "weekly-sync", "deadbeef", "modpw", "attpw", nil))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rooms WHERE id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET room_id = NULL WHERE room_id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM shared_accesses WHERE room_id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := store.DeleteRoom(context.Background(), "weekly-sync", "uid")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserCascades(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("alice@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "provider", "uid", "name", "email"}).
			AddRow(7, 11, "ldap", "sl-abc", "Alice", "alice@example.org"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM rooms WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "uid", "bbb_id", "moderator_pw", "attendee_pw", "access_code"}).
			AddRow(11, 7, "Weekly Sync", "weekly-sync", "deadbeef", "modpw", "attpw", nil))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users_roles WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rooms WHERE id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET room_id = NULL WHERE room_id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM shared_accesses WHERE room_id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := store.DeleteUser(context.Background(), "alice@example.org")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoomLookupColumn(t *testing.T) {
	require.NoError(t, roomLookupColumn("uid"))
	require.NoError(t, roomLookupColumn("bbb_id"))
	require.Error(t, roomLookupColumn("moderator_pw; DROP TABLE rooms"))
}

func TestRandomSecret(t *testing.T) {
	a := randomSecret(secretLength)
	b := randomSecret(secretLength)
	require.Len(t, a, secretLength)
	require.Regexp(t, "^[A-Za-z0-9]+$", a)
	require.NotEqual(t, a, b)
}
