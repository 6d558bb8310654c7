package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// timeLayout is fixed-width so that timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// columnNames lists the columns read by scanMemory, in order.
var columnNames = []string{
	"id", "type", "content", "importance", "confidence", "score", "access_boost",
	"entities", "metadata", "created_at", "updated_at", "last_accessed",
	"access_count", "retrieval_count", "used_in_response_count", "user_mentioned_count",
	"state", "superseded", "superseded_by", "supersedes", "conflicts_with",
	"override_tier", "conflict_downgraded", "ttl_days", "auto_delete_at",
}

// memoryColumns is the unqualified select list for scanMemory.
var memoryColumns = strings.Join(columnNames, ", ")

// qualifiedColumns returns the select list prefixed with a table alias.
func qualifiedColumns(alias string) string {
	cols := make([]string, len(columnNames))
	for i, c := range columnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalMetadata(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// extraScanner appends extra destinations after the memory columns.
type extraScanner struct {
	row   rowScanner
	extra []interface{}
}

func (s extraScanner) Scan(dest ...interface{}) error {
	return s.row.Scan(append(dest, s.extra...)...)
}

// scanMemory reads one row selected with memoryColumns.
func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var memType, entitiesJSON, metadataJSON, supersedesJSON, conflictsJSON string
	var createdAt, updatedAt string
	var lastAccessed, supersededBy, autoDelete sql.NullString
	var state, superseded, downgraded int
	var ttlDays sql.NullInt64

	err := row.Scan(
		&m.ID, &memType, &m.Content, &m.Importance, &m.Confidence, &m.Score, &m.AccessBoost,
		&entitiesJSON, &metadataJSON, &createdAt, &updatedAt, &lastAccessed,
		&m.AccessCount, &m.RetrievalCount, &m.UsedInResponseCount, &m.UserMentionedCount,
		&state, &superseded, &supersededBy, &supersedesJSON, &conflictsJSON,
		&m.OverrideTier, &downgraded, &ttlDays, &autoDelete,
	)
	if err != nil {
		return nil, err
	}

	m.Type = types.MemoryType(memType)
	m.State = types.State(state)
	m.Superseded = superseded != 0
	m.ConflictDowngraded = downgraded != 0
	m.SupersededBy = supersededBy.String

	if err := json.Unmarshal([]byte(entitiesJSON), &m.Entities); err != nil {
		return nil, fmt.Errorf("failed to decode entities for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(supersedesJSON), &m.Supersedes); err != nil {
		return nil, fmt.Errorf("failed to decode supersedes for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(conflictsJSON), &m.ConflictsWith); err != nil {
		return nil, fmt.Errorf("failed to decode conflicts_with for %s: %w", m.ID, err)
	}
	if len(m.Entities) == 0 {
		m.Entities = nil
	}
	if len(m.Supersedes) == 0 {
		m.Supersedes = nil
	}
	if len(m.ConflictsWith) == 0 {
		m.ConflictsWith = nil
	}

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", m.ID, err)
	}
	if lastAccessed.Valid {
		if t, err := parseTime(lastAccessed.String); err == nil {
			m.LastAccessedAt = &t
		}
	}
	if autoDelete.Valid {
		if t, err := parseTime(autoDelete.String); err == nil {
			m.AutoDeleteAt = &t
		}
	}
	if ttlDays.Valid {
		d := int(ttlDays.Int64)
		m.TTLDays = &d
	}

	return &m, nil
}

// EncodeVector serialises a vector as little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
