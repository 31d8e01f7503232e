package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcksfa/async-ai-task-runner/internal/api"
	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
	"github.com/lcksfa/async-ai-task-runner/internal/store/storetest"
)

func newAPI(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tasks := service.NewTasks(storetest.NewMemoryStore(), nil, service.Options{}, logger)
	srv := httptest.NewServer(api.New(tasks, api.Options{
		Providers: []provider.Info{{Name: "alpha", Kind: "openai", DefaultModel: "a-1", Default: true}},
	}, logger).Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSubmitGetAndList(t *testing.T) {
	base := newAPI(t)

	code, out, errOut := runCLI("submit", "--server", base, "-o", "json", "--priority", "7", "Explain", "gravity")
	require.Equal(t, 0, code, errOut)
	var created models.Task
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "Explain gravity", created.Prompt)
	assert.Equal(t, 7, created.Priority)
	assert.Equal(t, models.StatusPending, created.Status)

	code, out, _ = runCLI("get", "--server", base, "1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Explain gravity")
	assert.Contains(t, out, "PENDING")

	code, out, _ = runCLI("list", "--server", base, "-o", "yaml", "--status", "pending")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "prompt: Explain gravity")

	code, out, _ = runCLI("providers", "--server", base)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "alpha")
}

func TestSubmitUsesServerDefaultPriority(t *testing.T) {
	base := newAPI(t)
	code, out, _ := runCLI("submit", "--server", base, "-o", "json", "hello")
	require.Equal(t, 0, code)
	var created models.Task
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, 1, created.Priority)
}

func TestErrorsExitNonZero(t *testing.T) {
	base := newAPI(t)

	code, _, errOut := runCLI("result", "--server", base, "42")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "TASK_NOT_FOUND")

	code, _, errOut = runCLI("submit", "--server", base, "--priority", "11", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "VALIDATION_ERROR")

	code, _, errOut = runCLI("get", "--server", base, "abc")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid task ID")

	code, _, _ = runCLI("list", "--server", base, "-o", "xml")
	assert.Equal(t, 2, code)

	code, _, errOut = runCLI("frobnicate")
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errOut, "unknown command"))

	code, _, _ = runCLI()
	assert.Equal(t, 2, code)
}
