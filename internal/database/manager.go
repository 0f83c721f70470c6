package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "wiicare/pkg/database"
	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// Page sizes for GetMessages
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Manager implements interfaces.DatabaseManager on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	retryDelay   time.Duration
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, dbconfig.MigrationsFS(config.MigrationsPath))
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).ValidateTablesExist(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("sqlite"),
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		retryDelay:   500 * time.Millisecond,
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// runWrite retries once after a short delay for transient failures such as SQLITE_BUSY.
// Domain errors are returned as-is.
func (m *Manager) runWrite(op writeOperation) error {
	if err := op.ctx.Err(); err != nil {
		return err
	}
	err := op.operation(m.db)
	if err == nil || isDomainError(err) {
		return err
	}

	m.logger.Warn("database write failed, retrying", zap.Duration("delay", m.retryDelay), zap.Error(err))
	select {
	case <-time.After(m.retryDelay):
	case <-op.ctx.Done():
		return op.ctx.Err()
	}
	if err = op.operation(m.db); err != nil {
		m.logger.Error("database write failed after retry", zap.Error(err))
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, interfaces.ErrConversationNotFound) ||
		errors.Is(err, interfaces.ErrNotParticipant) ||
		errors.Is(err, ErrConversationExists)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	// TECHNICAL DISCOVERY: Check if manager is closed before attempting write
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateConversation persists a conversation and its participant rows atomically
func (m *Manager) CreateConversation(ctx context.Context, conv *types.Conversation) error {
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

	return m.executeWrite(ctx, func(db *sql.DB) error {
		// FUNCTIONAL DISCOVERY: Transaction support essential for atomic conversation creation
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conv.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if exists > 0 {
			return ErrConversationExists
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
			conv.ID, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}

		for _, userID := range participants {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
				conv.ID, userID,
			); err != nil {
				return fmt.Errorf("failed to insert participant %s: %w", userID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit conversation creation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation by ID
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	var conv types.Conversation
	err := m.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	conv.Participants, err = m.participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (m *Manager) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// ListConversations returns userID's conversations, most recently updated first
func (m *Manager) ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var summaries []*types.ConversationSummary
	for rows.Next() {
		s := &types.ConversationSummary{}
		if err := rows.Scan(&s.ConversationID, &s.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		summaries = append(summaries, s)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	// TECHNICAL DISCOVERY: Rows are closed before the per-conversation queries so a
	// small pool is never exhausted by nested reads
	for _, s := range summaries {
		if s.Participants, err = m.participants(ctx, s.ConversationID); err != nil {
			return nil, err
		}
		if s.LastMessage, err = m.lastMessage(ctx, s.ConversationID); err != nil {
			return nil, err
		}
		if s.UnreadCount, err = m.UnreadCount(ctx, s.ConversationID, userID); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

func (m *Manager) lastMessage(ctx context.Context, conversationID string) (*types.ChatMessage, error) {
	var msg types.ChatMessage
	err := m.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, conversationID).Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Text, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last message: %w", err)
	}
	return &msg, nil
}

// StoreMessage stores a message and bumps the conversation's updated_at
func (m *Manager) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	createdAt := message.CreatedAt.UTC()
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
			createdAt, message.ChannelID)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrConversationNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, message.ID, message.ChannelID, message.SenderID, message.Text, createdAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		return nil
	})
}

// GetMessages returns up to limit messages older than before, oldest first
func (m *Manager) GetMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`
	args := []interface{}{conversationID, limit}
	if !before.IsZero() {
		query = `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []interface{}{conversationID, before.UTC(), limit}
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Newest page selected, returned in chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead moves the participant's read marker forward; it never moves back
func (m *Manager) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	at = at.UTC()
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE conversation_participants
			SET last_read_at = ?
			WHERE conversation_id = ? AND user_id = ?
			  AND (last_read_at IS NULL OR last_read_at < ?)
		`, at, conversationID, userID, at)
		if err != nil {
			return fmt.Errorf("failed to update read marker: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		// Nothing changed: either the marker is already ahead or the row is missing
		var participant, conversation int
		if err := db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?),
				(SELECT COUNT(*) FROM conversations WHERE id = ?)
		`, conversationID, userID, conversationID).Scan(&participant, &conversation); err != nil {
			return fmt.Errorf("failed to check read marker: %w", err)
		}
		switch {
		case conversation == 0:
			return interfaces.ErrConversationNotFound
		case participant == 0:
			return interfaces.ErrNotParticipant
		}
		return nil
	})
}

// UnreadCount counts messages from other participants after userID's read marker
func (m *Manager) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages msg
		JOIN conversation_participants p
		  ON p.conversation_id = msg.conversation_id AND p.user_id = ?
		WHERE msg.conversation_id = ?
		  AND msg.sender_id != ?
		  AND (p.last_read_at IS NULL OR msg.created_at > p.last_read_at)
	`, userID, conversationID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	// FUNCTIONAL DISCOVERY: Health check validates both connectivity and basic operations
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations and diagnostics
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already closed
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
