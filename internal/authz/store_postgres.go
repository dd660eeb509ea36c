package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PermissionRecord is a row of the api_permissions table. Scopes are stored
// comma separated.
type PermissionRecord struct {
	ID       uint   `gorm:"primaryKey"`
	Resource string `gorm:"not null"`
	Stage    string `gorm:"not null"`
	HTTPVerb string `gorm:"column:http_verb;not null"`
	Scopes   string `gorm:"not null"`
}

func (PermissionRecord) TableName() string {
	return "api_permissions"
}

func (r PermissionRecord) toRule() Rule {
	var scopes []string
	for _, s := range strings.Split(r.Scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return Rule{
		Resource: r.Resource,
		Stage:    r.Stage,
		HTTPVerb: r.HTTPVerb,
		Scopes:   scopes,
	}
}

// PostgresStore reads the permission table through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgresStore connects with dsn.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]Rule, error) {
	var records []PermissionRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionStoreUnavailable, err)
	}
	rules := make([]Rule, 0, len(records))
	for _, rec := range records {
		rules = append(rules, rec.toRule())
	}
	return rules, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
