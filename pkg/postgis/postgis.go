// Package postgis reads and seeds station snapshots in a PostGIS table.
package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// Config describes the database and table holding stations.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Table    string `json:"table"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DSN builds a lib/pq connection string
func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

func (c Config) table() (string, error) {
	t := c.Table
	if t == "" {
		t = "stations"
	}
	if !identifier.MatchString(t) {
		return "", fmt.Errorf("invalid table name %q", t)
	}
	return t, nil
}

// Source is a feed.Source backed by PostGIS
type Source struct {
	db    *sql.DB
	table string
}

// Open connects to the database and checks the connection
func Open(ctx context.Context, cfg Config) (*Source, error) {
	table, err := cfg.table()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Source{db: db, table: table}, nil
}

func (s *Source) schemaQueries() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			station_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			bikes INTEGER NOT NULL CHECK (bikes >= 0),
			location GEOMETRY(POINT, 4326) NOT NULL,
			position SERIAL
		);`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_location ON %s USING GIST(location);`, s.table, s.table),
	}
}

// InitSchema creates the station table and its spatial index if missing
func (s *Source) InitSchema(ctx context.Context) error {
	for _, query := range s.schemaQueries() {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// BulkInsert upserts stations in one transaction.
func (s *Source) BulkInsert(ctx context.Context, stations []models.Station) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, st := range stations {
		if _, err := stmt.ExecContext(ctx, st.ID, st.Name, st.BikesAvailable, st.Location.Lon, st.Location.Lat); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert station %s: %w", st.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Source) upsertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (station_id, name, bikes, location)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326))
		ON CONFLICT (station_id) DO UPDATE
		SET name = EXCLUDED.name, bikes = EXCLUDED.bikes, location = EXCLUDED.location
	`, s.table)
}

func (s *Source) selectQuery() string {
	return fmt.Sprintf(`
		SELECT station_id, name, ST_Y(location) AS lat, ST_X(location) AS lon, bikes
		FROM %s
		ORDER BY position
	`, s.table)
}

// Fetch reads every station as a snapshot with the bikes_available column.
func (s *Source) Fetch(ctx context.Context) (models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.selectQuery())
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	snap := models.Snapshot{Columns: []string{
		models.FieldStationID, models.FieldName, models.FieldLat, models.FieldLon, models.FieldBikesAvailable,
	}}
	for rows.Next() {
		var (
			id, name string
			lat, lon float64
			bikes    int
		)
		if err := rows.Scan(&id, &name, &lat, &lon, &bikes); err != nil {
			return models.Snapshot{}, fmt.Errorf("failed to scan row: %w", err)
		}
		snap.Rows = append(snap.Rows, models.Row{
			models.FieldStationID:      id,
			models.FieldName:           name,
			models.FieldLat:            lat,
			models.FieldLon:            lon,
			models.FieldBikesAvailable: bikes,
		})
	}
	if err := rows.Err(); err != nil {
		return models.Snapshot{}, fmt.Errorf("rows error: %w", err)
	}
	return snap, nil
}

// Count returns the number of stored stations
func (s *Source) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stations: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (s *Source) Close() error {
	return s.db.Close()
}
