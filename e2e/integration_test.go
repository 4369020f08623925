//go:build e2e

// Package e2e runs the store conformance suite against real MongoDB and
// DynamoDB Local containers.
// Run with: go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/shelter/store"
	"github.com/jacentio/shelter/store/storetest"
)

const (
	mongoImage  = "mongo:7"
	dynamoImage = "amazon/dynamodb-local:2.5.2"

	// Database name prefix - unique per test run
	databasePrefix = "shelter-e2e"
)

var (
	testID string

	mongoHost string
	mongoPort int

	dynamoEndpoint string
)

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	fmt.Printf("Test ID: %s\n", testID)

	ctx := context.Background()

	mongoC, err := mongodb.Run(ctx, mongoImage)
	if err != nil {
		fmt.Printf("Failed to start MongoDB: %v\n", err)
		os.Exit(1)
	}
	mongoHost, err = mongoC.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to resolve MongoDB address: %v\n", err)
		os.Exit(1)
	}
	mongoMapped, err := mongoC.MappedPort(ctx, "27017/tcp")
	if err != nil {
		fmt.Printf("Failed to resolve MongoDB address: %v\n", err)
		os.Exit(1)
	}
	mongoPort = mongoMapped.Int()

	dynamoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        dynamoImage,
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"},
			WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Printf("Failed to start DynamoDB Local: %v\n", err)
		_ = mongoC.Terminate(ctx)
		os.Exit(1)
	}
	dynamoEndpoint, err = dynamoC.PortEndpoint(ctx, "8000/tcp", "http")
	if err != nil {
		fmt.Printf("Failed to resolve DynamoDB Local address: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = dynamoC.Terminate(ctx)
	_ = mongoC.Terminate(ctx)
	os.Exit(code)
}

func mongoConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.Host = mongoHost
	cfg.Port = mongoPort
	cfg.Database = fmt.Sprintf("%s-%s", databasePrefix, testID)
	cfg.Collection = "animals-" + uuid.New().String()[:8]
	cfg.Timeout = 10 * time.Second
	return cfg
}

func dynamoConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.Driver = store.DriverDynamo
	cfg.Host = ""
	cfg.Port = 0
	cfg.Endpoint = dynamoEndpoint
	cfg.Username = "local"
	cfg.Password = "local"
	cfg.Database = fmt.Sprintf("%s-%s", databasePrefix, testID)
	cfg.Collection = "animals-" + uuid.New().String()[:8]
	cfg.Timeout = 10 * time.Second
	return cfg
}

func open(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestMongoConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *store.Store {
		return open(t, mongoConfig())
	})
}

func TestDynamoConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *store.Store {
		return open(t, dynamoConfig())
	})
}

func TestMongoNativeOperators(t *testing.T) {
	ctx := context.Background()
	s := open(t, mongoConfig())
	defer s.Close(ctx)

	for _, name := range []string{"Rex", "Roxy", "Max"} {
		_, err := s.Create(ctx, store.Document{"name": name, "animal_type": "Dog"})
		require.NoError(t, err)
	}

	n, err := s.Count(ctx, store.Filter{"name": map[string]any{"$regex": "^R"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMongoReadByIDFilterRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t, mongoConfig())
	defer s.Close(ctx)

	res, err := s.Create(ctx, store.Document{"name": "Rex"})
	require.NoError(t, err)

	upd, err := s.Update(ctx, store.Filter{store.IDField: res.ID}, store.Document{"status": "Available"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, upd.Modified)

	doc, found, err := s.ReadByID(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Available", doc["status"])
}

func TestDynamoUnsupportedOperator(t *testing.T) {
	ctx := context.Background()
	s := open(t, dynamoConfig())
	defer s.Close(ctx)

	_, err := s.Count(ctx, store.Filter{"name": map[string]any{"$regex": "^R"}})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestDynamoReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := dynamoConfig()

	s := open(t, cfg)
	_, err := s.Create(ctx, store.Document{"name": "Rex", "breed": "Beagle"})
	require.NoError(t, err)
	s.Close(ctx)

	s = open(t, cfg)
	defer s.Close(ctx)
	docs, err := mustFind(t, s, store.Filter{"breed": "Beagle"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Rex", docs[0]["name"])
}

func TestUnreachableStore(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.Timeout = 500 * time.Millisecond

	_, err := store.Open(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func mustFind(t *testing.T, s *store.Store, f store.Filter) ([]store.Document, error) {
	t.Helper()
	cur, err := s.ReadByCriteria(context.Background(), f)
	if err != nil {
		return nil, err
	}
	return cur.All(context.Background())
}
