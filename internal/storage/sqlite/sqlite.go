package sqlite

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

type userModel struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Name      string
	ImageURL  string
	Password  string
	Policy    string `gorm:"default:all"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type roomModel struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func (roomModel) TableName() string { return "rooms" }

type membershipModel struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex:idx_membership_user_room"`
	RoomID   uint   `gorm:"uniqueIndex:idx_membership_user_room"`
	LastView time.Time
	Block    bool
}

func (membershipModel) TableName() string { return "memberships" }

type messageModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	RoomID    uint   `gorm:"index"`
	Content   string
	CreatedAt time.Time
}

func (messageModel) TableName() string { return "messages" }

type followModel struct {
	FollowerID string `gorm:"primaryKey"`
	FolloweeID string `gorm:"primaryKey"`
}

func (followModel) TableName() string { return "follows" }

// NewStore opens a SQLite database at the provided path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "roomStore: open")
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.Wrap(err, "roomStore: enable foreign keys")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&userModel{},
		&roomModel{},
		&membershipModel{},
		&messageModel{},
		&followModel{},
	)
}

// CreateUser stores a new user record.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	if user.Policy == "" {
		user.Policy = storage.PolicyAll
	}
	model := userModel{
		ID:        user.ID,
		Username:  user.Username,
		Name:      user.Name,
		ImageURL:  user.ImageURL,
		Password:  user.Password,
		Policy:    string(user.Policy),
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return errors.Wrap(err, "roomStore.CreateUser")
	}
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		return nil, translate(err, "roomStore.GetUserByUsername")
	}
	return toUser(model), nil
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, translate(err, "roomStore.GetUserByID")
	}
	return toUser(model), nil
}

// SetMessagingPolicy updates who may open new rooms with the user.
func (s *Store) SetMessagingPolicy(ctx context.Context, userID string, policy storage.Policy) error {
	tx := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", userID).Update("policy", string(policy))
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "roomStore.SetMessagingPolicy")
	}
	if tx.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddFollow records a follow edge. Inserting an existing edge is a no-op.
func (s *Store) AddFollow(ctx context.Context, followerID, followeeID string) error {
	err := s.db.WithContext(ctx).Create(&followModel{FollowerID: followerID, FolloweeID: followeeID}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrap(err, "roomStore.AddFollow")
	}
	return nil
}

// RemoveFollow deletes a follow edge if present.
func (s *Store) RemoveFollow(ctx context.Context, followerID, followeeID string) error {
	err := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&followModel{}).Error
	if err != nil {
		return errors.Wrap(err, "roomStore.RemoveFollow")
	}
	return nil
}

// Follows reports whether follower follows followee.
func (s *Store) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&followModel{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "roomStore.Follows")
	}
	return count > 0, nil
}

// CreateRoom creates the room and both membership rows in one transaction.
// The room name's uniqueness constraint arbitrates concurrent creation
// from both sides; the loser observes storage.ErrDuplicateRoom.
func (s *Store) CreateRoom(ctx context.Context, initiator, target *storage.User) (*storage.Room, error) {
	if initiator == nil || target == nil {
		return nil, errors.New("nil participant")
	}
	if initiator.ID == target.ID {
		return nil, storage.ErrSameUser
	}

	name := protocol.RoomName(initiator.Username, target.Username)
	room := roomModel{Name: name}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrDuplicateRoom
			}
			return errors.Wrap(err, "roomStore.CreateRoom: insert room")
		}

		blocked, err := s.targetBlocked(tx, initiator, target)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		memberships := []membershipModel{
			{UserID: initiator.ID, RoomID: room.ID, LastView: now},
			{UserID: target.ID, RoomID: room.ID, LastView: now, Block: blocked},
		}
		if err := tx.Create(&memberships).Error; err != nil {
			return errors.Wrap(err, "roomStore.CreateRoom: insert memberships")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &storage.Room{ID: room.ID, Name: room.Name}, nil
}

// targetBlocked evaluates the target's messaging-consent policy against
// the initiator. The initiator's own membership is never blocked.
func (s *Store) targetBlocked(tx *gorm.DB, initiator, target *storage.User) (bool, error) {
	switch target.Policy {
	case storage.PolicyBlock:
		return true, nil
	case storage.PolicyFollow:
		var count int64
		err := tx.Model(&followModel{}).
			Where("follower_id = ? AND followee_id = ?", target.ID, initiator.ID).
			Count(&count).Error
		if err != nil {
			return false, errors.Wrap(err, "roomStore.CreateRoom: follow lookup")
		}
		return count == 0, nil
	}
	return false, nil
}

// CreateRoomByName resolves the target user from the room name, then
// creates the room.
func (s *Store) CreateRoomByName(ctx context.Context, initiator *storage.User, name string) (*storage.Room, error) {
	if initiator == nil {
		return nil, errors.New("nil initiator")
	}
	targetName, ok := protocol.OtherParticipant(name, initiator.Username)
	if !ok {
		return nil, storage.ErrNotFound
	}
	target, err := s.GetUserByUsername(ctx, targetName)
	if err != nil {
		return nil, err
	}
	return s.CreateRoom(ctx, initiator, target)
}

// GetRoomByName fetches a room by its canonical name.
func (s *Store) GetRoomByName(ctx context.Context, name string) (*storage.Room, error) {
	var model roomModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		return nil, translate(err, "roomStore.GetRoomByName")
	}
	return &storage.Room{ID: model.ID, Name: model.Name}, nil
}

// DeleteRoom removes the room together with its memberships and messages.
func (s *Store) DeleteRoom(ctx context.Context, roomID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&messageModel{}).Error; err != nil {
			return errors.Wrap(err, "roomStore.DeleteRoom: messages")
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&membershipModel{}).Error; err != nil {
			return errors.Wrap(err, "roomStore.DeleteRoom: memberships")
		}
		res := tx.Delete(&roomModel{}, roomID)
		if res.Error != nil {
			return errors.Wrap(res.Error, "roomStore.DeleteRoom: room")
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// GetMembership fetches one user's membership record for a room.
func (s *Store) GetMembership(ctx context.Context, userID string, roomID uint) (*storage.Membership, error) {
	var model membershipModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		First(&model).Error
	if err != nil {
		return nil, translate(err, "roomStore.GetMembership")
	}
	return &storage.Membership{
		ID:       model.ID,
		UserID:   model.UserID,
		RoomID:   model.RoomID,
		LastView: model.LastView,
		Block:    model.Block,
	}, nil
}

// SetBlock updates the block flag on the user's own membership.
func (s *Store) SetBlock(ctx context.Context, userID string, roomID uint, block bool) error {
	tx := s.db.WithContext(ctx).Model(&membershipModel{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Update("block", block)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "roomStore.SetBlock")
	}
	if tx.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateLastView advances the user's last-view point to now.
func (s *Store) UpdateLastView(ctx context.Context, userID string, roomID uint) error {
	tx := s.db.WithContext(ctx).Model(&membershipModel{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Update("last_view", time.Now().UTC())
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "roomStore.UpdateLastView")
	}
	if tx.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateMessage appends a message to its room.
func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	model := messageModel{
		UserID:    msg.UserID,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return errors.Wrap(err, "roomStore.CreateMessage")
	}
	msg.ID = model.ID
	msg.CreatedAt = model.CreatedAt
	return nil
}

// ListRoomMessages returns up to limit messages for a room in send order.
func (s *Store) ListRoomMessages(ctx context.Context, roomID uint, limit int) ([]storage.Message, error) {
	query := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []messageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "roomStore.ListRoomMessages")
	}
	messages := make([]storage.Message, 0, len(models))
	for _, model := range models {
		messages = append(messages, storage.Message{
			ID:        model.ID,
			UserID:    model.UserID,
			RoomID:    model.RoomID,
			Content:   model.Content,
			CreatedAt: model.CreatedAt,
		})
	}
	return messages, nil
}

// roomAndLastMessageQuery is the hot path behind the room list and the
// unread flag: every non-blocked room with at least one message, its most
// recent message, and the unread bit, computed in a single pass. The
// boundary is inclusive: a message created exactly at last_view counts as
// unread.
const roomAndLastMessageQuery = `
SELECT
	r.id AS room_id,
	r.name AS name,
	m.id AS last_msg,
	m.content AS last_msg_content,
	m.user_id AS last_msg_user_id,
	CASE WHEN (m.user_id <> ? AND m.created_at >= s.last_view) THEN 1 ELSE 0 END AS unread
FROM messages m
	INNER JOIN rooms r ON m.room_id = r.id
	INNER JOIN memberships s ON s.room_id = r.id AND s.user_id = ?
WHERE
	s.block = 0
	AND m.id = (SELECT MAX(m2.id) FROM messages m2 WHERE m2.room_id = m.room_id)
`

type roomSummaryRow struct {
	RoomID         uint
	Name           string
	LastMsg        uint
	LastMsgContent string
	LastMsgUserID  string
	Unread         int
}

// ListUserRooms returns the user's visible rooms ordered by most recent
// message, newest conversation first.
func (s *Store) ListUserRooms(ctx context.Context, userID string) ([]storage.RoomSummary, error) {
	var rows []roomSummaryRow
	err := s.db.WithContext(ctx).
		Raw(roomAndLastMessageQuery+" ORDER BY m.id DESC", userID, userID).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "roomStore.ListUserRooms")
	}
	summaries := make([]storage.RoomSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, storage.RoomSummary{
			RoomID:             row.RoomID,
			Name:               row.Name,
			LastMessageID:      row.LastMsg,
			LastMessageContent: row.LastMsgContent,
			LastMessageUserID:  row.LastMsgUserID,
			Unread:             row.Unread != 0,
		})
	}
	return summaries, nil
}

// HasUnread reports whether any visible room carries an unread message.
func (s *Store) HasUnread(ctx context.Context, userID string) (bool, error) {
	var one int
	tx := s.db.WithContext(ctx).
		Raw("SELECT 1 FROM ("+roomAndLastMessageQuery+") AS sub WHERE sub.unread = 1 LIMIT 1", userID, userID).
		Scan(&one)
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "roomStore.HasUnread")
	}
	return tx.RowsAffected > 0, nil
}

func toUser(model userModel) *storage.User {
	return &storage.User{
		ID:        model.ID,
		Username:  model.Username,
		Name:      model.Name,
		ImageURL:  model.ImageURL,
		Password:  model.Password,
		Policy:    storage.Policy(model.Policy),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

func translate(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return errors.Wrap(err, op)
}
