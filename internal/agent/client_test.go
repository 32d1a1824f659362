package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCapability struct {
	name    string
	outputs []func() (json.RawMessage, error)
	calls   int
}

func (f *fakeCapability) Name() string { return f.name }

func (f *fakeCapability) Execute(_ context.Context, _ Request) (json.RawMessage, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.outputs) {
		idx = len(f.outputs) - 1
	}
	return f.outputs[idx]()
}

func validClassification() (json.RawMessage, error) {
	return json.RawMessage(`{"category":"auth"}`), nil
}

func newTestClient(t *testing.T, capability Capability) *Client {
	t.Helper()
	reg := NewRegistry()
	reg.Register(capability)
	client, err := NewClient(reg, CallPolicy{
		Timeout:         time.Second,
		MaxTries:        3,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestClientExecute(t *testing.T) {
	ctx := context.Background()
	req := Request{RunID: "r1", Phase: "classification"}

	t.Run("returns validated output", func(t *testing.T) {
		cap := &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){validClassification}}
		client := newTestClient(t, cap)

		out, err := client.Execute(ctx, req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"category":"auth"}`, string(out))
		assert.Equal(t, 1, cap.calls)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		cap := &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){
			func() (json.RawMessage, error) { return nil, TransientError("classification", errors.New("connection reset")) },
			func() (json.RawMessage, error) { return nil, TransientError("classification", errors.New("connection reset")) },
			validClassification,
		}}
		client := newTestClient(t, cap)

		out, err := client.Execute(ctx, req)
		require.NoError(t, err)
		assert.NotNil(t, out)
		assert.Equal(t, 3, cap.calls)
	})

	t.Run("exhausts the attempt budget", func(t *testing.T) {
		cap := &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){
			func() (json.RawMessage, error) { return nil, TransientError("classification", errors.New("still down")) },
		}}
		client := newTestClient(t, cap)

		_, err := client.Execute(ctx, req)
		require.Error(t, err)
		assert.Equal(t, 3, cap.calls)
		assert.True(t, IsTransient(err))
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		cap := &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){
			func() (json.RawMessage, error) { return nil, PermanentError("classification", errors.New("bad input")) },
		}}
		client := newTestClient(t, cap)

		_, err := client.Execute(ctx, req)
		require.Error(t, err)
		assert.Equal(t, 1, cap.calls)
		assert.False(t, IsTransient(err))
	})

	t.Run("schema-invalid output fails without retry", func(t *testing.T) {
		cap := &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){
			func() (json.RawMessage, error) { return json.RawMessage(`{"tags":["a"]}`), nil },
		}}
		client := newTestClient(t, cap)

		_, err := client.Execute(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSchemaInvalid)
		assert.Equal(t, 1, cap.calls)
	})

	t.Run("unknown phase", func(t *testing.T) {
		client := newTestClient(t, &fakeCapability{name: "classification", outputs: []func() (json.RawMessage, error){validClassification}})

		_, err := client.Execute(ctx, Request{RunID: "r1", Phase: "deployment"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownPhase)
	})
}

func TestExecutionError(t *testing.T) {
	inner := errors.New("boom")
	err := TransientError("retrieval", inner)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, inner)

	err = PermanentError("retrieval", inner)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, inner)

	assert.False(t, IsTransient(errors.New("plain")))
}
