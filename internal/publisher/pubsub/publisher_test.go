package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/publisher"
)

func TestPublishToFakeServer(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	pub, err := Dial(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.client.CreateTopic(ctx, publisher.DefaultTopic)
	require.NoError(t, err)

	ev := publisher.TaskEvent{TaskID: "task-1", State: jobs.TaskCompleted, Source: "adzuna"}
	id, err := pub.Publish(ctx, publisher.DefaultTopic, ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "completed", msgs[0].Attributes["state"])
	var got publisher.TaskEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "task-1", got.TaskID)
}

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
}
