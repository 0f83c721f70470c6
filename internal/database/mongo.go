package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	dbconfig "wiicare/pkg/database"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// Collection and field names
const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"

	fieldID             = "_id"
	fieldParticipants   = "participants"
	fieldUpdatedAt      = "updated_at"
	fieldReadMarkers    = "read_markers"
	fieldConversationID = "conversation_id"
	fieldSenderID       = "sender_id"
	fieldCreatedAt      = "created_at"
)

// conversationDoc carries read markers alongside the conversation.
// User IDs are restricted to [A-Za-z0-9_-] so they are safe as field names.
type conversationDoc struct {
	ID           string               `bson:"_id"`
	Participants []string             `bson:"participants"`
	CreatedAt    time.Time            `bson:"created_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
	ReadMarkers  map[string]time.Time `bson:"read_markers,omitempty"`
}

func (d *conversationDoc) conversation() *types.Conversation {
	return &types.Conversation{
		ID:           d.ID,
		Participants: d.Participants,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// MongoManager implements interfaces.DatabaseManager on MongoDB
type MongoManager struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	timeout       time.Duration
	logger        *zap.Logger
	closeOnce     sync.Once
}

var _ interfaces.DatabaseManager = (*MongoManager)(nil)

// NewMongoManager connects, pings and ensures indexes
func NewMongoManager(ctx context.Context, config *dbconfig.Config, logger *zap.Logger) (*MongoManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.OperationTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(config.MongoURI).
		SetServerSelectionTimeout(config.OperationTimeout)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	db := client.Database(config.MongoDatabase)
	m := &MongoManager{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		timeout:       config.OperationTimeout,
		logger:        logger.Named("mongo"),
	}

	if err := m.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// EnsureIndexes creates the indexes the list and history queries rely on
func (m *MongoManager) EnsureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		m.conversations: {{
			Keys:    bson.D{{Key: fieldParticipants, Value: 1}, {Key: fieldUpdatedAt, Value: -1}},
			Options: options.Index().SetName("ix_participant_updated"),
		}},
		m.messages: {{
			Keys:    bson.D{{Key: fieldConversationID, Value: 1}, {Key: fieldCreatedAt, Value: -1}},
			Options: options.Index().SetName("ix_conversation_time"),
		}},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// CreateConversation inserts a conversation; a duplicate ID is ErrConversationExists
func (m *MongoManager) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	participants, err := types.NormalizeParticipants(conv.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	conv.Participants = participants

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.conversations.InsertOne(ctx, conversationDoc{
		ID:           conv.ID,
		Participants: participants,
		CreatedAt:    conv.CreatedAt.UTC(),
		UpdatedAt:    conv.UpdatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (m *MongoManager) findConversation(ctx context.Context, conversationID string) (*conversationDoc, error) {
	var doc conversationDoc
	err := m.conversations.FindOne(ctx, bson.M{fieldID: conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, interfaces.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &doc, nil
}

// GetConversation retrieves a conversation by ID
func (m *MongoManager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc, err := m.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return doc.conversation(), nil
}

// ListConversations returns userID's conversations, most recently updated first
func (m *MongoManager) ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.conversations.Find(ctx,
		bson.M{fieldParticipants: userID},
		options.Find().SetSort(bson.D{{Key: fieldUpdatedAt, Value: -1}, {Key: fieldID, Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	summaries := make([]*types.ConversationSummary, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		last, err := m.lastMessage(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		unread, err := m.countUnread(ctx, doc, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &types.ConversationSummary{
			ConversationID: doc.ID,
			Participants:   doc.Participants,
			LastMessage:    last,
			UnreadCount:    unread,
			UpdatedAt:      doc.UpdatedAt,
		})
	}
	return summaries, nil
}

func (m *MongoManager) lastMessage(ctx context.Context, conversationID string) (*types.ChatMessage, error) {
	var msg types.ChatMessage
	err := m.messages.FindOne(ctx,
		bson.M{fieldConversationID: conversationID},
		options.FindOne().SetSort(bson.D{{Key: fieldCreatedAt, Value: -1}, {Key: fieldID, Value: -1}}),
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last message: %w", err)
	}
	return &msg, nil
}

// StoreMessage bumps the conversation's updated_at and inserts the message.
// A standalone server has no transactions, so the conversation update doubles as the existence check.
func (m *MongoManager) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	createdAt := message.CreatedAt.UTC()
	res, err := m.conversations.UpdateOne(ctx,
		bson.M{fieldID: message.ChannelID},
		bson.M{"$max": bson.M{fieldUpdatedAt: createdAt}})
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrConversationNotFound
	}

	doc := *message
	doc.CreatedAt = createdAt
	if _, err := m.messages.InsertOne(ctx, &doc); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages older than before, oldest first
func (m *MongoManager) GetMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	filter := bson.M{fieldConversationID: conversationID}
	if !before.IsZero() {
		filter[fieldCreatedAt] = bson.M{"$lt": before.UTC()}
	}
	cur, err := m.messages.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: fieldCreatedAt, Value: -1}, {Key: fieldID, Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []*types.ChatMessage
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead moves the participant's read marker forward; it never moves back
func (m *MongoManager) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.conversations.UpdateOne(ctx,
		bson.M{fieldID: conversationID, fieldParticipants: userID},
		bson.M{"$max": bson.M{fieldReadMarkers + "." + userID: at.UTC()}})
	if err != nil {
		return fmt.Errorf("failed to update read marker: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	if _, err := m.findConversation(ctx, conversationID); err != nil {
		return err
	}
	return interfaces.ErrNotParticipant
}

// UnreadCount counts messages from other participants after userID's read marker
func (m *MongoManager) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc, err := m.findConversation(ctx, conversationID)
	if errors.Is(err, interfaces.ErrConversationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.countUnread(ctx, doc, userID)
}

func (m *MongoManager) countUnread(ctx context.Context, doc *conversationDoc, userID string) (int, error) {
	filter := bson.M{
		fieldConversationID: doc.ID,
		fieldSenderID:       bson.M{"$ne": userID},
	}
	if marker, ok := doc.ReadMarkers[userID]; ok {
		filter[fieldCreatedAt] = bson.M{"$gt": marker}
	}
	n, err := m.messages.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the primary
func (m *MongoManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}
	return nil
}

// Close disconnects the client
func (m *MongoManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		err = m.client.Disconnect(ctx)
	})
	return err
}
