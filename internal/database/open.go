package database

import (
	"context"

	"go.uber.org/zap"

	dbconfig "wiicare/pkg/database"
	"wiicare/pkg/interfaces"
)

// Open returns the store selected by config.Driver
func Open(ctx context.Context, config *dbconfig.Config, logger *zap.Logger) (interfaces.DatabaseManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Driver == dbconfig.DriverMongo {
		return NewMongoManager(ctx, config, logger)
	}
	return NewManager(config, logger)
}
