package nats

import (
	"context"
	"os"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestImage is the NATS server image started by NewTestContainer.
var TestImage = "nats:2.11-alpine"

// Testing is the subset of testing.TB used by NewTestContainer.
type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer returns a Connector to a JetStream enabled NATS server
// living as long as the test. A server named by $NATS_URL is used as is,
// otherwise a container is started.
func NewTestContainer(t Testing) Connector {
	if url := os.Getenv(EnvURL); url != "" {
		t.Logf("using nats server %s", url)
		return ConnectURL(url)
	}

	ctx := t.Context()
	srv, err := testcontainers.Run(
		ctx, TestImage,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Server is ready")),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(srv); err != nil {
			t.Logf("terminate nats container: %v", err)
		}
	})

	endpoint, err := srv.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("started nats container at %s", endpoint)
	return ConnectURL(endpoint)
}
