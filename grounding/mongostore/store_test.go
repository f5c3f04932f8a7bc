package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reportflow/reportflow/grounding"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
	mongoSetupDone     bool
)

func setupMongoDB() {
	mongoSetupDone = true
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if !mongoSetupDone {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("grounding_test")
	require.NoError(t, db.Collection(t.Name()+"_sessions").Drop(context.Background()))
	require.NoError(t, db.Collection(t.Name()+"_messages").Drop(context.Background()))
	store, err := New(Options{
		Client:             testMongoClient,
		Database:           "grounding_test",
		SessionsCollection: t.Name() + "_sessions",
		MessagesCollection: t.Name() + "_messages",
	})
	require.NoError(t, err)
	return store
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.CreateSession(ctx, grounding.Session{ID: "sess-1", TenantID: "city", CreatedAt: createdAt})
	require.NoError(t, err)
	require.Equal(t, int64(0), first.MessageCount)

	second, err := store.CreateSession(ctx, grounding.Session{ID: "sess-1", TenantID: "other", CreatedAt: createdAt.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, "city", second.TenantID, "existing session is never modified")
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestAppendMessageAssignsIncreasingSeq(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()
	_, err := store.CreateSession(ctx, grounding.Session{ID: "sess-1", TenantID: "city"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		msg, err := store.AppendMessage(ctx, grounding.Message{
			SessionID: "sess-1",
			Role:      grounding.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
		})
		require.NoError(t, err)
		require.Equal(t, int64(i), msg.Seq)
	}

	sess, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), sess.MessageCount)

	msgs, err := store.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "turn 1", msgs[0].Content)
	require.Equal(t, "turn 3", msgs[2].Content)
}

func TestAppendMessagePreservesReferences(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()
	_, err := store.CreateSession(ctx, grounding.Session{ID: "sess-1", TenantID: "city"})
	require.NoError(t, err)

	refs := []grounding.Reference{{
		Type:        grounding.RefAgentResult,
		ReferenceID: "geo",
		Summary:     `{"location_name":"Aurora Bridge"}`,
		Status:      "completed",
		Location:    "Aurora Bridge",
	}}
	_, err = store.AppendMessage(ctx, grounding.Message{
		SessionID:  "sess-1",
		Role:       grounding.RoleAssistant,
		Content:    "answer",
		References: refs,
	})
	require.NoError(t, err)

	msgs, err := store.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, refs, msgs[0].References)
}

func TestAppendMessageUnknownSession(t *testing.T) {
	store := getStore(t)
	_, err := store.AppendMessage(context.Background(), grounding.Message{SessionID: "nope", Role: grounding.RoleUser})
	require.ErrorIs(t, err, grounding.ErrSessionNotFound)
}

func TestLastActivityNeverMovesBackwards(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()
	_, err := store.CreateSession(ctx, grounding.Session{ID: "sess-1", TenantID: "city"})
	require.NoError(t, err)

	later := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	_, err = store.AppendMessage(ctx, grounding.Message{SessionID: "sess-1", Role: grounding.RoleUser, CreatedAt: later})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, grounding.Message{SessionID: "sess-1", Role: grounding.RoleUser, CreatedAt: later.Add(-time.Hour)})
	require.NoError(t, err)

	sess, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, later, sess.LastActivity.UTC())
	require.Equal(t, int64(2), sess.MessageCount)
}
