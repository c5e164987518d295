package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/registry"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v interface{}) bdoc.Value {
	t.Helper()
	val, err := bdoc.Marshal(v)
	require.NoError(t, err)
	return val
}

func TestRegisterMethodRejectsDuplicate(t *testing.T) {
	r := registry.New()
	echo := func(ctx context.Context, p bdoc.Value) (bdoc.Value, error) { return p, nil }

	require.NoError(t, r.RegisterMethod("com.example.Echo", echo))
	err := r.RegisterMethod("com.example.Echo", echo)
	require.ErrorIs(t, err, message.ErrAlreadyRegistered)
}

func TestDispatchMethodCallRoundTrip(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterMethod("com.example.Double", func(ctx context.Context, p bdoc.Value) (bdoc.Value, error) {
		var n int
		require.NoError(t, bdoc.Unmarshal(p, &n))
		return mustMarshal(t, n*2), nil
	}))

	payload := mustMarshal(t, 21)
	resp, sub := r.Dispatch(context.Background(), 7, message.Body{
		Kind:       message.KindMethodCall,
		MethodName: "com.example.Double",
		Payload:    payload,
	})

	require.Nil(t, sub)
	require.Equal(t, uint64(7), resp.Seq)
	require.Equal(t, message.KindResponseReturn, resp.Body.Kind)

	var result int
	require.NoError(t, bdoc.Unmarshal(resp.Body.Payload, &result))
	require.Equal(t, 42, result)
}

func TestDispatchMethodCallUnknownMethod(t *testing.T) {
	r := registry.New()
	resp, sub := r.Dispatch(context.Background(), 1, message.Body{
		Kind:       message.KindMethodCall,
		MethodName: "com.example.Missing",
	})
	require.Nil(t, sub)
	require.Equal(t, message.KindResponseError, resp.Body.Kind)
	require.Equal(t, message.ErrMethodNotFound, resp.Body.Error)
}

func TestDispatchMethodCallRecoversPanic(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterMethod("com.example.Boom", func(ctx context.Context, p bdoc.Value) (bdoc.Value, error) {
		panic("kaboom")
	}))

	resp, _ := r.Dispatch(context.Background(), 1, message.Body{
		Kind:       message.KindMethodCall,
		MethodName: "com.example.Boom",
	})
	require.Equal(t, message.KindResponseError, resp.Body.Kind)
	require.Equal(t, message.ErrInternal, resp.Body.Error)
}

func TestSignalSubscribeAndEmitOrdering(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterSignal("com.example.Tick"))

	resp, sub := r.Dispatch(context.Background(), 3, message.Body{
		Kind:        message.KindSubscribe,
		ChannelName: "com.example.Tick",
	})
	require.NotNil(t, sub)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)

	for _, n := range []int{1, 2, 3} {
		require.NoError(t, r.EmitSignal("com.example.Tick", mustMarshal(t, n)))
	}

	for _, want := range []int{1, 2, 3} {
		select {
		case env := <-sub.Receive():
			var got int
			require.NoError(t, bdoc.Unmarshal(env.Body.Payload, &got))
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for signal")
		}
	}
}

func TestEmitSignalNotFound(t *testing.T) {
	r := registry.New()
	err := r.EmitSignal("com.example.Missing", bdoc.Nil)
	require.ErrorIs(t, err, message.ErrSignalNotFound)
}

func TestWatchStateSeesCurrentValueThenUpdates(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterState("com.example.Health", mustMarshal(t, "starting")))

	resp, sub := r.Dispatch(context.Background(), 9, message.Body{
		Kind:        message.KindWatch,
		ChannelName: "com.example.Health",
	})
	require.NotNil(t, sub)
	require.Equal(t, message.KindResponseStateChanged, resp.Body.Kind)

	var initial string
	require.NoError(t, bdoc.Unmarshal(resp.Body.Payload, &initial))
	require.Equal(t, "starting", initial)

	require.NoError(t, r.SetState("com.example.Health", mustMarshal(t, "ready")))

	select {
	case env := <-sub.Receive():
		var got string
		require.NoError(t, bdoc.Unmarshal(env.Body.Payload, &got))
		require.Equal(t, "ready", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state update")
	}

	current, err := r.GetState("com.example.Health")
	require.NoError(t, err)
	var got string
	require.NoError(t, bdoc.Unmarshal(current, &got))
	require.Equal(t, "ready", got)
}

func TestUnregisterSignalClosesSubscribers(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterSignal("com.example.Tick"))
	sub, err := r.SubscribeSignal("com.example.Tick")
	require.NoError(t, err)

	r.UnregisterSignal("com.example.Tick")

	_, ok := <-sub.Receive()
	require.False(t, ok)
}

func TestInspectListsRegisteredNames(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterMethod("com.example.Echo", func(ctx context.Context, p bdoc.Value) (bdoc.Value, error) {
		return p, nil
	}))
	require.NoError(t, r.RegisterSignal("com.example.Tick"))
	require.NoError(t, r.RegisterState("com.example.Health", bdoc.Nil))

	resp, sub := r.Dispatch(context.Background(), 1, message.Body{
		Kind:       message.KindMethodCall,
		MethodName: registry.InspectMethodName,
	})
	require.Nil(t, sub)
	require.Equal(t, message.KindResponseReturn, resp.Body.Kind)

	var data registry.InspectData
	require.NoError(t, bdoc.Unmarshal(resp.Body.Payload, &data))
	require.Contains(t, data.Methods, "com.example.Echo")
	require.Contains(t, data.Methods, registry.InspectMethodName)
	require.Contains(t, data.Signals, "com.example.Tick")
	require.Contains(t, data.States, "com.example.Health")
}
