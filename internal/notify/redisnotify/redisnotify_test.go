package redisnotify_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kaiwa/internal/notify/redisnotify"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

var (
	testRedisURL       string
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, hostErr := testRedisContainer.Host(ctx)
		port, portErr := testRedisContainer.MappedPort(ctx, "6379")
		if hostErr != nil || portErr != nil {
			skipIntegration = true
		} else {
			testRedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
		}
	}

	code := m.Run()
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	rdb, err := redisnotify.Connect(context.Background(), testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestNotifier_CrossProcessSignal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two notifiers with separate hubs stand in for two server instances.
	publisherHub, subscriberHub := runstore.NewHub(), runstore.NewHub()
	publisher := redisnotify.New(connect(t), publisherHub, logger)
	subscriber := redisnotify.New(connect(t), subscriberHub, logger)
	go subscriber.Start(ctx)

	runID := uuid.New()
	ch, release := subscriber.Subscribe(runID)
	defer release()

	// The relay subscribes asynchronously; publish until the signal lands.
	require.Eventually(t, func() bool {
		require.NoError(t, publisher.Publish(ctx, runID))
		select {
		case <-ch:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := redisnotify.Connect(context.Background(), "not a url")
	require.Error(t, err)
}
