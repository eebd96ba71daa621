package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

// Store creates or replaces thing data
func (s *Storage) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	query := `
		INSERT INTO things (namespace, id, data, modified_on)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE
		SET data = excluded.data, modified_on = excluded.modified_on
	`

	if _, err := s.db.ExecContext(ctx, s.q(query), namespace, id, data, modifiedOn.UnixNano()); err != nil {
		return fmt.Errorf("failed to store thing: %w", err)
	}

	return nil
}

// Exists reports whether thing row is present
func (s *Storage) Exists(ctx context.Context, namespace, id string) (bool, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return false, err
	}

	query := `SELECT 1 FROM things WHERE namespace = ? AND id = ?`

	var one int
	err := s.db.QueryRowContext(ctx, s.q(query), namespace, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check thing: %w", err)
	}
	return true, nil
}

// GetModifiedOn returns logical modification time
func (s *Storage) GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return time.Time{}, err
	}

	query := `SELECT modified_on FROM things WHERE namespace = ? AND id = ?`

	var modifiedOn int64
	err := s.db.QueryRowContext(ctx, s.q(query), namespace, id).Scan(&modifiedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, storage.ErrThingNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get modification time: %w", err)
	}
	return time.Unix(0, modifiedOn), nil
}

// GetCopy returns thing data together with modification time
func (s *Storage) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return nil, err
	}

	query := `SELECT data, modified_on FROM things WHERE namespace = ? AND id = ?`

	thing := &models.Thing{Namespace: namespace, ID: id}
	var modifiedOn int64

	err := s.db.QueryRowContext(ctx, s.q(query), namespace, id).Scan(&thing.Data, &modifiedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrThingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thing: %w", err)
	}

	if thing.Data == nil {
		thing.Data = []byte{}
	}
	thing.ModifiedOn = time.Unix(0, modifiedOn)

	return thing, nil
}

// Discard removes thing row
func (s *Storage) Discard(ctx context.Context, namespace, id string) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	query := `DELETE FROM things WHERE namespace = ? AND id = ?`

	if _, err := s.db.ExecContext(ctx, s.q(query), namespace, id); err != nil {
		return fmt.Errorf("failed to discard thing: %w", err)
	}
	return nil
}

// FindIDs returns ids in namespace matching pattern.
// Regular expression is applied in Go: SQLite has no portable REGEXP.
func (s *Storage) FindIDs(ctx context.Context, namespace, pattern string) (ids []string, err error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	query := `SELECT id FROM things WHERE namespace = ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query thing ids: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	all := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thing id: %w", err)
		}
		all = append(all, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thing ids: %w", err)
	}

	return storage.FilterIDs(all, re), nil
}

// prefixCondition - условие "namespace равен prefix или вложен в него".
// substr вместо LIKE: в идентификаторах допустимы '%' и '_'.
func prefixCondition(prefix string) (string, []any) {
	nested := prefix + storage.NamespaceSeparator
	return `(namespace = ? OR substr(namespace, 1, ?) = ?)`,
		[]any{prefix, utf8.RuneCountInString(nested), nested}
}

// DiscardAll removes namespace prefix with all nested namespaces
func (s *Storage) DiscardAll(ctx context.Context, prefix string) error {
	if err := storage.ValidateNamespace(prefix); err != nil {
		return err
	}

	cond, args := prefixCondition(prefix)
	query := `DELETE FROM things WHERE ` + cond

	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return fmt.Errorf("failed to discard namespace: %w", err)
	}
	return nil
}

// FindAllIDs recursively enumerates namespaces and things under prefix
func (s *Storage) FindAllIDs(ctx context.Context, prefix, pattern string) (found []models.FoundID, err error) {
	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	query := `SELECT namespace, id FROM things`
	var args []any
	if prefix != "" {
		var cond string
		cond, args = prefixCondition(prefix)
		query += ` WHERE ` + cond
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query namespace: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	keys := make([]storage.Key, 0)
	for rows.Next() {
		var k storage.Key
		if err := rows.Scan(&k.Namespace, &k.ID); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}

	return storage.BuildFoundIDs(prefix, re, keys), nil
}
