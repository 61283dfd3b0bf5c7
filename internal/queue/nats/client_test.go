package nats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nookbridge.tech/internal/queue"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "server not ready")
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestClient(t *testing.T, srv *server.Server) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	cfg.ProjectID = "testproject"

	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "SMS_OUTGOING", streamName("sms-outgoing"))
	assert.Equal(t,
		"projects.p1.topics.p1-sms-outgoing",
		subjectFor("p1", "sms-outgoing"))
	assert.Equal(t,
		"projects-p1-subscriptions-p1-sms-outgoing-subscription",
		durableFor("p1", "sms-outgoing"))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	received := make(chan string, 10)
	sub, err := client.Subscribe(ctx, "sms-outgoing", "sms-outgoing", func(msg queue.Message) {
		received <- string(msg.Data())
		require.NoError(t, msg.Ack())
	})
	require.NoError(t, err)
	defer sub.Cancel()

	pub, err := client.Publisher(ctx, "sms-outgoing")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, []byte(`{"payload":{"n":1}}`)))

	select {
	case data := <-received:
		assert.Equal(t, `{"payload":{"n":1}}`, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestNakRedelivers(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{})

	sub, err := client.Subscribe(ctx, "sms-channel-topic", "sms-channel", func(msg queue.Message) {
		mu.Lock()
		deliveries++
		n := deliveries
		mu.Unlock()

		if n == 1 {
			require.NoError(t, msg.Nak())
			return
		}
		require.NoError(t, msg.Ack())
		close(done)
	})
	require.NoError(t, err)
	defer sub.Cancel()

	pub, err := client.Publisher(ctx, "sms-channel-topic")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("retry me")))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("message was not redelivered after Nak")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, deliveries, 2)
}

func TestEnsureStreamIdempotent(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pub, err := client.Publisher(ctx, "sms-outgoing")
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, pub.Close())
	}
}

func TestSubscriptionCancelUnblocksWait(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "sms-outgoing", "sms-outgoing", func(msg queue.Message) {
		_ = msg.Ack()
	})
	require.NoError(t, err)

	waitDone := make(chan error, 1)
	go func() { waitDone <- sub.Wait() }()

	sub.Cancel()

	select {
	case err := <-waitDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}
}

func TestConcurrentDeliveryAcksAll(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	const total = 50
	var mu sync.Mutex
	seen := make(map[string]bool)
	all := make(chan struct{})

	sub, err := client.Subscribe(ctx, "sms-channel-topic", "sms-channel", func(msg queue.Message) {
		require.NoError(t, msg.Ack())
		mu.Lock()
		seen[string(msg.Data())] = true
		if len(seen) == total {
			close(all)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	pub, err := client.Publisher(ctx, "sms-channel-topic")
	require.NoError(t, err)
	for i := 0; i < total; i++ {
		require.NoError(t, pub.Publish(ctx, []byte(fmt.Sprintf("msg-%d", i))))
	}

	select {
	case <-all:
	case <-time.After(15 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("only %d of %d messages delivered", len(seen), total)
	}
}
