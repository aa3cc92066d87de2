package childexec

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"adaptive-runner/internal/domain"
	"adaptive-runner/internal/handlers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePayload(t *testing.T, p Payload) string {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestRunSucceedsForRegisteredHandler(t *testing.T) {
	var gotParams map[string]any
	handlers.Register("childexec_ok", func() domain.Handler {
		return domain.HandlerFunc(func(_ context.Context, params map[string]any) error {
			gotParams = params
			return nil
		})
	})

	path := writePayload(t, Payload{
		ID:             "j1",
		Type:           "childexec_ok",
		Params:         map[string]any{"k": "v"},
		TimeoutSeconds: 30,
	})

	assert.Equal(t, ExitOK, Run(path))
	assert.Equal(t, "v", gotParams["k"])
}

func TestRunReportsHandlerFailure(t *testing.T) {
	handlers.Register("childexec_fail", func() domain.Handler {
		return domain.HandlerFunc(func(context.Context, map[string]any) error {
			return errors.New("boom")
		})
	})

	path := writePayload(t, Payload{ID: "j2", Type: "childexec_fail", TimeoutSeconds: 30})
	assert.Equal(t, ExitFailed, Run(path))
}

func TestRunConfinesHandlerPanic(t *testing.T) {
	handlers.Register("childexec_panic", func() domain.Handler {
		return domain.HandlerFunc(func(context.Context, map[string]any) error {
			panic("kaboom")
		})
	})

	path := writePayload(t, Payload{ID: "j3", Type: "childexec_panic", TimeoutSeconds: 30})
	assert.Equal(t, ExitFailed, Run(path))
}

func TestRunSetupFailures(t *testing.T) {
	t.Run("MissingPayloadFile", func(t *testing.T) {
		assert.Equal(t, ExitSetup, Run(filepath.Join(t.TempDir(), "gone.json")))
	})

	t.Run("CorruptPayload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		assert.Equal(t, ExitSetup, Run(path))
	})

	t.Run("EmptyJobType", func(t *testing.T) {
		path := writePayload(t, Payload{ID: "j4", TimeoutSeconds: 30})
		assert.Equal(t, ExitSetup, Run(path))
	})

	t.Run("UnregisteredJobType", func(t *testing.T) {
		path := writePayload(t, Payload{ID: "j5", Type: "childexec_nobody_home", TimeoutSeconds: 30})
		assert.Equal(t, ExitSetup, Run(path))
	})
}

func TestRunPassesDeadlineToHandler(t *testing.T) {
	var hadDeadline bool
	handlers.Register("childexec_deadline", func() domain.Handler {
		return domain.HandlerFunc(func(ctx context.Context, _ map[string]any) error {
			_, hadDeadline = ctx.Deadline()
			return nil
		})
	})

	path := writePayload(t, Payload{ID: "j6", Type: "childexec_deadline", TimeoutSeconds: 5})
	require.Equal(t, ExitOK, Run(path))
	assert.True(t, hadDeadline)
}

func TestPayloadRoundTrip(t *testing.T) {
	in := Payload{
		ID:             "abc",
		Type:           "shell.command",
		Params:         map[string]any{"command": "true", "n": float64(3)},
		TimeoutSeconds: 10,
		MaxMemoryMB:    64,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Payload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}
