package testutil

import (
	"context"
	"log"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NATSIntegrationSuite is a testify suite that sets up a NATS server with
// JetStream enabled.
type NATSIntegrationSuite struct {
	suite.Suite
	URL           string
	natsContainer testcontainers.Container
}

// SetupSuite starts a NATS container before any tests in the suite are run.
func (s *NATSIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("could not start nats container: %s", err)
	}

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		log.Fatalf("could not get nats endpoint: %s", err)
	}

	s.URL = url
	s.natsContainer = container
}

// TearDownSuite stops and removes the container after all tests in the suite have been run.
func (s *NATSIntegrationSuite) TearDownSuite() {
	if s.natsContainer != nil {
		if err := s.natsContainer.Terminate(context.Background()); err != nil {
			log.Fatalf("failed to terminate nats container: %s", err)
		}
	}
}
