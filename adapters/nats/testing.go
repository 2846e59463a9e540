package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Skip(args ...any)
	Cleanup(func())
}

// NewTestContainer starts a JetStream enabled NATS server for the duration
// of the test. It skips the test under -short.
func NewTestContainer(t Testing) Connector {
	if testing.Short() {
		t.Skip("nats container tests are skipped in short mode")
	}

	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("terminate nats container: %s", err)
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}
