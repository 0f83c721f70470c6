package database

import (
	"errors"

	"wiicare/pkg/interfaces"
)

// Store errors shared by the SQLite and MongoDB managers
var (
	ErrConversationExists = interfaces.ErrConversationExists
	ErrManagerClosed      = errors.New("database manager is closed")
)
