package serverstore

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"

	"example.com/sessionsync/internal/domain"
)

// undefinedTable is the Postgres SQLSTATE for a missing relation.
const undefinedTable = "42P01"

var schemaMissingSignatures = []string{"relation", "does not exist", "schema cache"}

// Classify converts a collaborator failure into the sync error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrSchemaMissing) || errors.Is(err, domain.ErrTransport) {
		return err
	}
	if IsSchemaMissing(err) {
		return fmt.Errorf("%w: %w", domain.ErrSchemaMissing, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransport, err)
}

// IsSchemaMissing inspects the error for missing-table signatures.
func IsSchemaMissing(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.EqualFold(pgErr.Code, undefinedTable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range schemaMissingSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// SchemaGuard reports schema-missing conditions to the notifier at most once
// per process and remembers that session sync is degraded.
type SchemaGuard struct {
	notifier domain.Notifier
	text     string
	warned   atomic.Bool
}

// NewSchemaGuard constructs a guard that emits text on the first schema-missing error.
func NewSchemaGuard(notifier domain.Notifier, text string) *SchemaGuard {
	return &SchemaGuard{notifier: notifier, text: text}
}

// Observe records err and returns it unchanged.
func (g *SchemaGuard) Observe(err error) error {
	if !errors.Is(err, domain.ErrSchemaMissing) {
		return err
	}
	if g.warned.CompareAndSwap(false, true) && g.notifier != nil {
		g.notifier.Notify(domain.Notice{Kind: domain.NoticeSchemaMissing, Text: g.text})
	}
	return err
}

// Degraded reports whether a schema-missing error has been seen.
func (g *SchemaGuard) Degraded() bool {
	return g != nil && g.warned.Load()
}
