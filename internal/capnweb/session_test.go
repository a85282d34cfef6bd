package capnweb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocapnweb/internal/capnweb"
)

func newConnectedPair(t *testing.T, serverMain, clientMain capnweb.Target) (*capnweb.Session, *capnweb.Session) {
	t.Helper()
	serverTransport, clientTransport := newPipePair()
	server := capnweb.NewSession(serverTransport, serverMain, capnweb.SessionOptions{})
	client := capnweb.NewSession(clientTransport, clientMain, capnweb.SessionOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go server.Run(ctx)
	go client.Run(ctx)

	t.Cleanup(func() {
		server.Close(context.Background())
		client.Close(context.Background())
	})
	return server, client
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scenario (a): square(5) resolves to 25.
func TestScenarioSimpleCallResolves(t *testing.T) {
	serverMain := capnweb.NewBaseTarget()
	serverMain.Method("square", func(ctx context.Context, args []interface{}) (interface{}, error) {
		n := args[0].(int64)
		return n * n, nil
	})
	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	stub, err := client.Call(ctx, "square", int64(5))
	require.NoError(t, err)
	v, err := stub.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), v)
}

// scenario (b): getUser("alice").name pipelines a property read off a
// not-yet-resolved call result without an extra round trip.
func TestScenarioChainedPipelining(t *testing.T) {
	serverMain := capnweb.NewBaseTarget()
	serverMain.Method("getUser", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return map[string]interface{}{"name": args[0]}, nil
	})
	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	userStub, err := client.Call(ctx, "getUser", "alice")
	require.NoError(t, err)
	nameStub, err := userStub.Get(ctx, "name")
	require.NoError(t, err)
	name, err := nameStub.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

// scenario (c): a capability returned from one call can be invoked by
// a later call without re-sending it over the wire.
func TestScenarioCapabilityPassing(t *testing.T) {
	makeCounter := func() *capnweb.BaseTarget {
		count := int64(0)
		counter := capnweb.NewBaseTarget()
		counter.Method("increment", func(ctx context.Context, args []interface{}) (interface{}, error) {
			count++
			return count, nil
		})
		return counter
	}
	serverMain := capnweb.NewBaseTarget()
	serverMain.Method("getCounter", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return makeCounter(), nil
	})
	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	counterResultStub, err := client.Call(ctx, "getCounter")
	require.NoError(t, err)
	v, err := counterResultStub.Await(ctx)
	require.NoError(t, err)
	counterStub, ok := v.(*capnweb.Stub)
	require.True(t, ok, "expected a capability stub, got %T", v)

	first, err := counterStub.Call(ctx, "increment")
	require.NoError(t, err)
	firstVal, err := first.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstVal)

	second, err := counterStub.Call(ctx, "increment")
	require.NoError(t, err)
	secondVal, err := second.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), secondVal)
}

// scenario (d): a callback capability the client hosts is invoked by
// the server mid-call.
func TestScenarioCallbackRoundTrip(t *testing.T) {
	var received []interface{}
	callback := capnweb.NewBaseTarget()
	callback.Method("notify", func(ctx context.Context, args []interface{}) (interface{}, error) {
		received = args
		return "pong", nil
	})

	serverMain := capnweb.NewBaseTarget()
	serverMain.Method("registerAndNotify", func(ctx context.Context, args []interface{}) (interface{}, error) {
		cb, ok := args[0].(*capnweb.Stub)
		if !ok {
			return nil, capnweb.NewError(capnweb.KindBadRequest, "expected a callback capability")
		}
		result, err := cb.Call(ctx, "notify", "ping")
		if err != nil {
			return nil, err
		}
		return result.Await(ctx)
	})

	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	stub, err := client.Call(ctx, "registerAndNotify", callback)
	require.NoError(t, err)
	v, err := stub.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
	assert.Equal(t, []interface{}{"ping"}, received)
}

// scenario (f)-style: a plain array argument and result round-trips
// without being mistaken for a tagged wire form.
func TestScenarioPlainArrayRoundTrip(t *testing.T) {
	serverMain := capnweb.NewBaseTarget()
	serverMain.Method("echo", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return args[0], nil
	})
	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	stub, err := client.Call(ctx, "echo", []interface{}{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	v, err := stub.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, v)
}

func TestScenarioMethodNotFoundRejects(t *testing.T) {
	serverMain := capnweb.NewBaseTarget()
	_, client := newConnectedPair(t, serverMain, nil)

	ctx := withTimeout(t)
	stub, err := client.Call(ctx, "missing")
	require.NoError(t, err)
	_, err = stub.Await(ctx)
	require.Error(t, err)
	var capErr *capnweb.Error
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, capnweb.KindNotFound, capErr.Kind)
}

func TestReservedMethodNamePanics(t *testing.T) {
	target := capnweb.NewBaseTarget()
	assert.Panics(t, func() {
		target.Method("dispose", func(ctx context.Context, args []interface{}) (interface{}, error) {
			return nil, nil
		})
	})
}
