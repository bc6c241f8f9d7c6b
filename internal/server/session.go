package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mingleapp/chatd/internal/fabric"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateActive
	stateClosed
)

// session tracks one live connection: the authenticated user, the room
// groups it joined, and the outbound queue. Inbound frames are processed
// strictly in arrival order; fabric events run on their own loop.
type session struct {
	id   string
	app  *App
	user storage.User
	conn *websocket.Conn
	log  zerolog.Logger

	// sendCh feeds the write pump; eventCh receives fabric deliveries.
	sendCh  chan protocol.Frame
	eventCh chan protocol.Frame

	mu    sync.Mutex
	state sessionState
	rooms map[string]uint // room name -> room id

	closeOnce sync.Once
}

func newSession(app *App, user storage.User, conn *websocket.Conn) *session {
	queue := app.cfg.SendQueueSize
	if queue <= 0 {
		queue = 64
	}
	id := uuid.NewString()
	return &session{
		id:      id,
		app:     app,
		user:    user,
		conn:    conn,
		log:     app.log.With().Str("session", id).Str("user", user.Username).Logger(),
		sendCh:  make(chan protocol.Frame, queue),
		eventCh: make(chan protocol.Frame, queue),
		rooms:   make(map[string]uint),
	}
}

// activate moves the session to Active: join the base group, then join
// every room the user can currently see.
func (s *session) activate(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateUnauthenticated {
		s.mu.Unlock()
		return errors.New("session already activated")
	}
	s.state = stateActive
	s.mu.Unlock()

	s.app.fabric.Subscribe(fabric.BaseGroup, s.id, s.eventCh)

	summaries, err := s.app.store.ListUserRooms(ctx, s.user.ID)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		s.addRoom(summary.Name, summary.RoomID)
		s.app.fabric.Subscribe(summary.Name, s.id, s.eventCh)
	}
	return nil
}

// run drives the session until the connection drops or ctx is canceled.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	activeConnections.Inc()
	defer activeConnections.Dec()

	go s.writePump(ctx)
	go s.eventLoop(ctx)
	s.readPump(ctx)
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.app.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("read loop closed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			framesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *session) writePump(ctx context.Context) {
	interval := s.app.cfg.PingInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		// Unblocks the read pump when writing fails first.
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.app.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.app.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.eventCh:
			s.handleEvent(ctx, frame)
		}
	}
}

// handleFrame dispatches one inbound frame. The protocol is best-effort:
// frames with missing fields or unknown types are dropped without a reply,
// and a failed dispatch never terminates the session.
func (s *session) handleFrame(ctx context.Context, frame protocol.Frame) {
	if !frame.Valid() {
		framesDropped.WithLabelValues("missing_field").Inc()
		return
	}
	framesReceived.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case protocol.FrameTypeNew:
		s.handleChatNew(ctx, frame)
	case protocol.FrameTypeMessage:
		s.handleChatMessage(ctx, frame)
	case protocol.FrameTypeRead:
		s.handleChatRead(ctx, frame)
	default:
		framesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// handleChatNew looks up or creates the target room, persists the first
// message, then announces the raw frame on the base group. A lost
// creation race falls back to the now-existing room.
func (s *session) handleChatNew(ctx context.Context, frame protocol.Frame) {
	room, err := s.app.store.GetRoomByName(ctx, frame.To)
	if errors.Is(err, storage.ErrNotFound) {
		room, err = s.app.store.CreateRoomByName(ctx, &s.user, frame.To)
		if errors.Is(err, storage.ErrDuplicateRoom) {
			room, err = s.app.store.GetRoomByName(ctx, frame.To)
		}
	}
	if err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("chat_new: room unavailable")
		return
	}

	if !s.persistMessage(ctx, room.ID, frame.Body) {
		return
	}

	if err := s.app.fabric.Publish(ctx, fabric.BaseGroup, frame); err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("chat_new: publish")
		return
	}
	fabricPublishes.WithLabelValues("base").Inc()
}

// handleChatMessage persists a message for a room this session already
// joined and fans the raw frame out to the room group.
func (s *session) handleChatMessage(ctx context.Context, frame protocol.Frame) {
	roomID, ok := s.roomID(frame.To)
	if !ok {
		framesDropped.WithLabelValues("unknown_room").Inc()
		return
	}

	if !s.persistMessage(ctx, roomID, frame.Body) {
		return
	}

	if err := s.app.fabric.Publish(ctx, frame.To, frame); err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("chat_message: publish")
		return
	}
	fabricPublishes.WithLabelValues("room").Inc()
}

// handleChatRead advances this user's last-view point. No confirmation
// frame goes back out.
func (s *session) handleChatRead(ctx context.Context, frame protocol.Frame) {
	roomID, ok := s.roomID(frame.To)
	if !ok {
		return
	}
	if err := s.app.store.UpdateLastView(ctx, s.user.ID, roomID); err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("chat_read: update last view")
	}
}

func (s *session) persistMessage(ctx context.Context, roomID uint, body string) bool {
	msg := &storage.Message{UserID: s.user.ID, RoomID: roomID, Content: body}
	if err := s.app.store.CreateMessage(ctx, msg); err != nil {
		s.log.Warn().Err(err).Uint("room_id", roomID).Msg("persist message")
		return false
	}
	messagesPersisted.Inc()
	return true
}

// handleEvent processes one fabric delivery. Announcements from the base
// group are gated on participation and block state; room-group frames are
// forwarded verbatim.
func (s *session) handleEvent(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameTypeNew:
		s.handleRoomAnnounce(ctx, frame)
	default:
		s.deliver(ctx, frame)
	}
}

// handleRoomAnnounce joins the announced room when this user participates
// and has not blocked it, then forwards the event with the sender's
// display info attached.
func (s *session) handleRoomAnnounce(ctx context.Context, frame protocol.Frame) {
	if !protocol.Participant(frame.To, s.user.Username) {
		return
	}

	room, err := s.app.store.GetRoomByName(ctx, frame.To)
	if err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("announce: room lookup")
		return
	}
	membership, err := s.app.store.GetMembership(ctx, s.user.ID, room.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("room", frame.To).Msg("announce: membership lookup")
		return
	}
	if membership.Block {
		return
	}

	if s.addRoom(room.Name, room.ID) {
		s.app.fabric.Subscribe(room.Name, s.id, s.eventCh)
	}

	info, err := s.app.profiles.Profile(ctx, frame.From)
	if err != nil {
		s.log.Warn().Err(err).Str("sender", frame.From).Msg("announce: profile lookup")
	} else {
		frame.UserInfo = info
	}
	s.deliver(ctx, frame)
}

func (s *session) deliver(ctx context.Context, frame protocol.Frame) {
	select {
	case s.sendCh <- frame:
	case <-ctx.Done():
	}
}

// addRoom caches the room locally; reports false when already present.
func (s *session) addRoom(name string, id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[name]; ok {
		return false
	}
	s.rooms[name] = id
	return true
}

func (s *session) roomID(name string) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rooms[name]
	return id, ok
}

// close tears the session down exactly once: every subscription goes,
// even when activation only partially succeeded.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		names := make([]string, 0, len(s.rooms))
		for name := range s.rooms {
			names = append(names, name)
		}
		s.mu.Unlock()

		s.app.fabric.Unsubscribe(fabric.BaseGroup, s.id)
		for _, name := range names {
			s.app.fabric.Unsubscribe(name, s.id)
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
