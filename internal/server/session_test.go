package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/fabric"
	"github.com/mingleapp/chatd/internal/identity"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
	"github.com/mingleapp/chatd/internal/storage/sqlite"
)

type testEnv struct {
	app   *App
	store *sqlite.Store
	fab   *fabric.Local
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.ServerConfig{
		JWT:           config.JWTConfig{Secret: "test-secret", Issuer: "test", Expiration: time.Hour},
		SendQueueSize: 16,
		ReadTimeout:   time.Minute,
		WriteTimeout:  time.Second,
		PingInterval:  time.Minute,
		MaxFrameBytes: 1 << 16,
	}
	store, err := sqlite.NewStore(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	fab := fabric.NewLocal()
	ids := identity.NewService(store, cfg.JWT)
	app := NewApp(cfg, store, fab, ids, zerolog.Nop())
	return &testEnv{app: app, store: store, fab: fab}
}

func (e *testEnv) createUser(t *testing.T, username string, policy storage.Policy) *storage.User {
	t.Helper()
	user := &storage.User{
		ID:       uuid.NewString(),
		Username: username,
		Name:     username,
		Policy:   policy,
	}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) session(t *testing.T, user *storage.User) *session {
	t.Helper()
	sess := newSession(e.app, *user, nil)
	t.Cleanup(sess.close)
	return sess
}

func messageFrame(from, to, body string) protocol.Frame {
	return protocol.Frame{From: from, To: to, Type: protocol.FrameTypeMessage, Body: body}
}

func TestActivateSubscribesBaseAndRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateMessage(ctx, &storage.Message{UserID: u1.ID, RoomID: room.ID, Content: "hi"}))

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	assert.Equal(t, 1, env.fab.Subscribers(fabric.BaseGroup))
	assert.Equal(t, 1, env.fab.Subscribers(room.Name))

	id, ok := sess.roomID(room.Name)
	assert.True(t, ok)
	assert.Equal(t, room.ID, id)
}

func TestActivateSkipsEmptyAndBlockedRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyBlock)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u1, u0)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateMessage(ctx, &storage.Message{UserID: u1.ID, RoomID: room.ID, Content: "hi"}))

	// u0's membership is blocked, so the session joins only the base group.
	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))
	assert.Zero(t, env.fab.Subscribers(room.Name))
}

func TestChatNewCreatesRoomAndAnnounces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	env.createUser(t, "u1", storage.PolicyAll)

	listener := make(chan protocol.Frame, 1)
	env.fab.Subscribe(fabric.BaseGroup, "listener", listener)

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	frame := protocol.Frame{From: "u0", To: "u0-u1", Type: protocol.FrameTypeNew, Body: "hi"}
	sess.handleFrame(ctx, frame)

	room, err := env.store.GetRoomByName(ctx, "u0-u1")
	require.NoError(t, err)
	messages, err := env.store.ListRoomMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, u0.ID, messages[0].UserID)

	assert.Equal(t, frame, <-listener)
}

func TestChatNewReusesExistingRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u1, u0)
	require.NoError(t, err)

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))
	sess.handleFrame(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeNew, Body: "again"})

	messages, err := env.store.ListRoomMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestChatNewUnknownTargetIsContained(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	// The failed dispatch must not poison the session.
	sess.handleFrame(ctx, protocol.Frame{From: "u0", To: "ghost-u0", Type: protocol.FrameTypeNew, Body: "hi"})

	_, err := env.store.GetRoomByName(ctx, "ghost-u0")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChatMessagePersistsAndFansOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateMessage(ctx, &storage.Message{UserID: u1.ID, RoomID: room.ID, Content: "hello"}))

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	frame := messageFrame("u0", room.Name, "reply")
	sess.handleFrame(ctx, frame)

	messages, err := env.store.ListRoomMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "reply", messages[1].Content)

	// The session is itself subscribed to the room group.
	assert.Equal(t, frame, <-sess.eventCh)
}

func TestChatMessageUnknownRoomDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)

	// Session never joined the room (it has no messages), so the local
	// cache misses and the frame is dropped without persisting.
	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))
	sess.handleFrame(ctx, messageFrame("u0", room.Name, "ignored"))

	messages, err := env.store.ListRoomMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestChatReadAdvancesLastView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateMessage(ctx, &storage.Message{UserID: u1.ID, RoomID: room.ID, Content: "hi"}))

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	before, err := env.store.GetMembership(ctx, u0.ID, room.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	sess.handleFrame(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeRead, Body: "read"})

	after, err := env.store.GetMembership(ctx, u0.ID, room.ID)
	require.NoError(t, err)
	assert.True(t, after.LastView.After(before.LastView))
}

func TestMalformedFramesSilentlyDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	// Missing body, missing sender, unknown type: all no-ops.
	sess.handleFrame(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeMessage})
	sess.handleFrame(ctx, protocol.Frame{To: room.Name, Type: protocol.FrameTypeMessage, Body: "x"})
	sess.handleFrame(ctx, protocol.Frame{From: "u0", To: room.Name, Type: "chat_shout", Body: "x"})

	messages, err := env.store.ListRoomMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestRoomAnnounceIgnoredForNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)
	u2 := env.createUser(t, "u2", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)

	sess := env.session(t, u2)
	require.NoError(t, sess.activate(ctx))
	sess.handleEvent(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeNew, Body: "hi"})

	assert.Zero(t, env.fab.Subscribers(room.Name))
	select {
	case frame := <-sess.sendCh:
		t.Fatalf("unexpected delivery: %+v", frame)
	default:
	}
}

func TestRoomAnnounceDiscardedWhenBlocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyBlock)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)

	sess := env.session(t, u1)
	require.NoError(t, sess.activate(ctx))
	sess.handleEvent(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeNew, Body: "hi"})

	assert.Zero(t, env.fab.Subscribers(room.Name))
	select {
	case frame := <-sess.sendCh:
		t.Fatalf("unexpected delivery: %+v", frame)
	default:
	}
}

func TestRoomAnnounceJoinsAndAttachesUserInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)

	sess := env.session(t, u1)
	require.NoError(t, sess.activate(ctx))
	sess.handleEvent(ctx, protocol.Frame{From: "u0", To: room.Name, Type: protocol.FrameTypeNew, Body: "hi"})

	assert.Equal(t, 1, env.fab.Subscribers(room.Name))
	id, ok := sess.roomID(room.Name)
	assert.True(t, ok)
	assert.Equal(t, room.ID, id)

	delivered := <-sess.sendCh
	require.NotNil(t, delivered.UserInfo)
	assert.Equal(t, "u0", delivered.UserInfo.Username)
	assert.Equal(t, "hi", delivered.Body)
}

func TestRoomEventForwardedVerbatim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))

	frame := messageFrame("u1", "u0-u1", "hello")
	sess.handleEvent(ctx, frame)

	assert.Equal(t, frame, <-sess.sendCh)
}

func TestCloseUnsubscribesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u0 := env.createUser(t, "u0", storage.PolicyAll)
	u1 := env.createUser(t, "u1", storage.PolicyAll)

	room, err := env.store.CreateRoom(ctx, u0, u1)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateMessage(ctx, &storage.Message{UserID: u1.ID, RoomID: room.ID, Content: "hi"}))

	sess := env.session(t, u0)
	require.NoError(t, sess.activate(ctx))
	require.Equal(t, 1, env.fab.Subscribers(fabric.BaseGroup))
	require.Equal(t, 1, env.fab.Subscribers(room.Name))

	sess.close()
	assert.Zero(t, env.fab.Subscribers(fabric.BaseGroup))
	assert.Zero(t, env.fab.Subscribers(room.Name))

	// Closing twice is safe.
	sess.close()
}
