package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/tyemirov/cartsync/internal/clock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("cookie_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("cookie_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("cookie_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("cookie_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("cookie_store.unsupported_no_scheme")
)

// DefaultNamespace groups cookies when a single profile uses the database.
const DefaultNamespace = "default"

// DatabaseCookieBackend persists cookies with GORM so credentials survive
// process restarts.
type DatabaseCookieBackend struct {
	db          *gorm.DB
	driverLabel string
	namespace   string
	clock       clock.Clock
}

type cookieRecord struct {
	Namespace   string `gorm:"column:namespace;primaryKey"`
	Name        string `gorm:"column:name;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (cookieRecord) TableName() string {
	return "cookies"
}

// NewDatabaseCookieBackend opens a postgres:// or sqlite:// database and migrates the cookie table.
func NewDatabaseCookieBackend(ctx context.Context, databaseURL string, namespace string, timeSource clock.Clock) (*DatabaseCookieBackend, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("cookie_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("cookie_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&cookieRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("cookie_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &DatabaseCookieBackend{
		db:          gormDB,
		driverLabel: driverLabel,
		namespace:   namespace,
		clock:       timeSource,
	}, nil
}

// Driver exposes the selected database driver label.
func (backend *DatabaseCookieBackend) Driver() string {
	return backend.driverLabel
}

// SetCookie upserts the cookie value and expiry.
func (backend *DatabaseCookieBackend) SetCookie(ctx context.Context, cookie *http.Cookie) error {
	record := cookieRecord{
		Namespace:   backend.namespace,
		Name:        cookie.Name,
		Value:       cookie.Value,
		UpdatedUnix: backend.clock.Now().Unix(),
	}
	if !cookie.Expires.IsZero() {
		record.ExpiresUnix = cookie.Expires.Unix()
	}
	err := backend.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_unix", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("cookie_store.set.%s: %w", backend.driverLabel, err)
	}
	return nil
}

// Cookie loads a cookie, treating expired rows as missing.
func (backend *DatabaseCookieBackend) Cookie(ctx context.Context, name string) (*http.Cookie, error) {
	var record cookieRecord
	err := backend.db.WithContext(ctx).
		Where("namespace = ? AND name = ?", backend.namespace, name).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cookie_store.get.%s: %w", backend.driverLabel, ErrCookieNotFound)
		}
		return nil, fmt.Errorf("cookie_store.get.%s: %w", backend.driverLabel, err)
	}
	cookie := &http.Cookie{Name: record.Name, Value: record.Value}
	if record.ExpiresUnix != 0 {
		cookie.Expires = time.Unix(record.ExpiresUnix, 0).UTC()
		if !backend.clock.Now().Before(cookie.Expires) {
			return nil, fmt.Errorf("cookie_store.get.%s: %w", backend.driverLabel, ErrCookieNotFound)
		}
	}
	return cookie, nil
}

// DeleteCookie removes the cookie row.
func (backend *DatabaseCookieBackend) DeleteCookie(ctx context.Context, name string) error {
	result := backend.db.WithContext(ctx).
		Where("namespace = ? AND name = ?", backend.namespace, name).
		Delete(&cookieRecord{})
	if result.Error != nil {
		return fmt.Errorf("cookie_store.delete.%s: %w", backend.driverLabel, result.Error)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("cookie_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("cookie_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("cookie_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("cookie_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
