package main

import (
	"bytes"
	"strings"
	"testing"

	authUsecase "mailsched-backend/internal/auth/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "user-42", "--ttl", "5m"})
	require.NoError(t, root.Execute())

	userID, err := authUsecase.NewAuthUsecase("cli-secret").ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestTickCommand_MemoryStore(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("AI_PROVIDER", "ollama")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	root.SetArgs([]string{"tick"})
	assert.NoError(t, root.Execute())
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	root := newRootCmd()
	root.SetArgs([]string{"tick"})
	assert.ErrorContains(t, root.Execute(), "unknown storage driver")
}
