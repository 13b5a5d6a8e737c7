package postgresql

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/shared/resilience"
	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "dispatcher", Password: "pw", Database: "jobs"}
	assert.Equal(t, "host=db port=5432 user=dispatcher password=pw dbname=jobs sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConnect_GivesUpWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := &Config{Host: "127.0.0.1", Port: 1, User: "u", Database: "d"}
	policy := resilience.Policy{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	_, err := Connect(ctx, cfg, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
