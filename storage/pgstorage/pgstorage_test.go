package pgstorage

import (
	"errors"
	"testing"

	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func crimeSchema() *parse.Schema {
	return &parse.Schema{
		Name: "crimes",
		Key:  []string{"crime_id"},
		Fields: []parse.Field{
			{Name: "crime_id", Type: parse.TypeString},
			{Name: "month_year", Type: parse.TypeMonth},
			{Name: "longitude", Type: parse.TypeFloat},
			{Name: "latitude", Type: parse.TypeFloat},
		},
	}
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL(crimeSchema(), true, "longitude", "latitude")
	assert.Equal(t, `INSERT INTO "crimes" (record_key, "crime_id", "month_year", "longitude", "latitude", cursor_pos, loaded_at, geo_point)`+
		` VALUES ($1, $2, $3, $4, $5, $6, $7, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography)`+
		` ON CONFLICT (record_key) DO UPDATE SET "crime_id" = EXCLUDED."crime_id", "month_year" = EXCLUDED."month_year",`+
		` "longitude" = EXCLUDED."longitude", "latitude" = EXCLUDED."latitude", cursor_pos = EXCLUDED.cursor_pos,`+
		` loaded_at = EXCLUDED.loaded_at, geo_point = EXCLUDED.geo_point`, got)

	got = upsertSQL(crimeSchema(), false, "", "")
	assert.NotContains(t, got, "geo_point")
	assert.Contains(t, got, "VALUES ($1, $2, $3, $4, $5, $6, $7)")
}

func TestTableDDL(t *testing.T) {
	ddl := tableDDL(crimeSchema(), true)
	assert.Contains(t, ddl, `"month_year" DATE`)
	assert.Contains(t, ddl, `"longitude" DOUBLE PRECISION`)
	assert.Contains(t, ddl, "geo_point GEOGRAPHY(POINT, 4326)")
	assert.Equal(t, []string{"record_key", "crime_id", "month_year", "longitude", "latitude", "cursor_pos", "loaded_at", "geo_point"},
		columns(crimeSchema(), true))
}

func TestCheckpointSQLMonotonic(t *testing.T) {
	assert.Contains(t, checkpointSQL("police_checkpoints"), "GREATEST(police_checkpoints.cursor_pos, EXCLUDED.cursor_pos)")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		connectivity bool
		schema       bool
	}{
		{name: "undefined column", err: &pgconn.PgError{Code: "42703"}, schema: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, schema: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, connectivity: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, connectivity: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("commit", tt.err)
			assert.Equal(t, tt.connectivity, storage.IsConnectivity(err))
			assert.Equal(t, tt.schema, storage.IsSchemaMismatch(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
