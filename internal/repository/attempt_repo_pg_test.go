package repository

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
)

func TestNewAttemptRepository(t *testing.T) {
	pool := &pgxpool.Pool{}
	repo := NewAttemptRepository(pool)
	assert.NotNil(t, repo)
}
