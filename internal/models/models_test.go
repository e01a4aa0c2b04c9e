package models

import (
	"encoding/json"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserJSONOmitsPasswordHash(t *testing.T) {
	u := User{ID: uuid.Must(uuid.NewV4()), Username: "alice", Email: "a@x.com", PasswordHash: "$2a$10$hash"}

	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hash")

	data, err = json.Marshal(u.Public())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"id": u.ID.String(), "username": "alice", "email": "a@x.com"}, got)
}
