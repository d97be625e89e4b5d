package db

import (
	"testing"

	"github.com/jmehdipour/notification-relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMySQLConnection_EmptyDSN(t *testing.T) {
	_, err := NewMySQLConnection(config.DatabaseConfig{})
	assert.Error(t, err)
}

func TestOptionalBackendsDisabledWhenUnset(t *testing.T) {
	ch, err := NewClickHouseConnection(config.DatabaseConfig{})
	require.NoError(t, err)
	assert.Nil(t, ch)

	rds, err := NewRedisClient(config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, rds)
}
