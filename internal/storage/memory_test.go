package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUsersMemoryStore() *MemoryStore {
	return NewMemoryStore(WithUnique(UsersTable, "username", "email"))
}

func TestMemoryStore_CreateAssignsIDAndTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	row, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)
	require.NotEmpty(t, row["id"])
	assert.NotNil(t, row["created_at"])
	assert.Equal(t, row["created_at"], row["updated_at"])

	found, err := store.FindByID(ctx, UsersTable, row["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, row, found)
}

func TestMemoryStore_ReturnedRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	row, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)
	row["username"] = "mallory"

	found, err := store.FindByID(ctx, UsersTable, row["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "alice", found["username"])
}

func TestMemoryStore_UniqueColumns(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	_, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)

	_, err = store.Create(ctx, UsersTable, Row{"username": "alice", "email": "other@x.com"})
	constraint, ok := IsUniqueViolation(err)
	require.True(t, ok)
	assert.Equal(t, UsersUsernameKey, constraint)

	_, err = store.Create(ctx, UsersTable, Row{"username": "bob", "email": "a@x.com"})
	constraint, ok = IsUniqueViolation(err)
	require.True(t, ok)
	assert.Equal(t, UsersEmailKey, constraint)
}

func TestMemoryStore_FindByFieldsIsConjunctive(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	_, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)

	row, err := store.FindByFields(ctx, UsersTable, Fields{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)
	assert.NotNil(t, row)

	row, err = store.FindByFields(ctx, UsersTable, Fields{"username": "alice", "email": "b@x.com"})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMemoryStore_UpdateMissingIsNotFound(t *testing.T) {
	store := newUsersMemoryStore()

	row, err := store.Update(context.Background(), UsersTable, "ghost", Row{"email": "x"})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMemoryStore_UpdateStampsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))

	created, err := store.Create(ctx, UsersTable, Row{"username": "alice"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	updated, err := store.Update(ctx, UsersTable, created["id"].(string), Row{"username": "alice2", "id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, created["id"], updated["id"])
	assert.Equal(t, "alice2", updated["username"])
	assert.Equal(t, created["created_at"], updated["created_at"])
	assert.Equal(t, now, updated["updated_at"])
}

func TestMemoryStore_UpdateRespectsUniqueColumns(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	_, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)
	bob, err := store.Create(ctx, UsersTable, Row{"username": "bob", "email": "b@x.com"})
	require.NoError(t, err)

	_, err = store.Update(ctx, UsersTable, bob["id"].(string), Row{"email": "a@x.com"})
	_, ok := IsUniqueViolation(err)
	assert.True(t, ok)

	_, err = store.Update(ctx, UsersTable, bob["id"].(string), Row{"email": "b@x.com"})
	assert.NoError(t, err)
}

func TestMemoryStore_DeleteReturnsPreviousRow(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	created, err := store.Create(ctx, UsersTable, Row{"username": "alice", "email": "a@x.com"})
	require.NoError(t, err)
	id := created["id"].(string)

	deleted, err := store.Delete(ctx, UsersTable, id)
	require.NoError(t, err)
	assert.Equal(t, created, deleted)

	found, err := store.FindByID(ctx, UsersTable, id)
	require.NoError(t, err)
	assert.Nil(t, found)

	again, err := store.Delete(ctx, UsersTable, id)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMemoryStore_Count(t *testing.T) {
	ctx := context.Background()
	store := newUsersMemoryStore()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := store.Create(ctx, UsersTable, Row{"username": name, "email": name + "@x.com", "team": "a"})
		require.NoError(t, err)
	}

	n, err := store.Count(ctx, UsersTable, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.Count(ctx, UsersTable, Fields{"username": "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := store.FindAllByFields(ctx, UsersTable, Fields{"team": "a"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
