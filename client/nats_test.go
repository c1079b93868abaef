package client

import (
	"context"
	"testing"
	"time"

	gnatsd "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/transport/natstransport"
)

func TestClient_RequestReplyOverNATS(t *testing.T) {
	opts := gnatsd.DefaultTestOptions
	opts.Port = -1
	s := gnatsd.RunServer(&opts)
	defer s.Shutdown()

	tr, err := natstransport.New([]string{s.ClientURL()}, natstransport.WithName("client-test"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	server, err := Connect(ctx, tr, WithName("server"))
	require.NoError(t, err)
	defer server.Close()
	doubler(t, server)
	require.NoError(t, server.Flush(ctx))

	requester, err := Connect(ctx, tr, WithName("requester"), WithRequestTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer requester.Close()

	reply, err := requester.Request(ctx, "math.double", []byte("21"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(reply.RawData()))

	_, err = requester.Request(context.Background(), "math.triple", []byte("1"))
	assert.True(t, errors.Is(err, errors.ErrNoResponders))
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, 0, requester.NumSubscriptions())
}
