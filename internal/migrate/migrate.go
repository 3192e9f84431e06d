package migrate

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

//go:embed schema.sql
var Schema string

// Statements 按分号拆分 SQL，忽略空语句与纯注释
func Statements(content string) []string {
	var out []string
	for _, stmt := range strings.Split(content, ";") {
		if body := stripComments(stmt); body != "" {
			out = append(out, body)
		}
	}
	return out
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Apply 在单个事务中依次执行语句，任一失败整体回滚
func Apply(ctx context.Context, db *sql.DB, content string, logger *zap.Logger) (int, error) {
	statements := Statements(content)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("statement %d/%d failed: %w\nstatement: %s", i+1, len(statements), err, preview(stmt))
		}
		logger.Debug("Statement executed", zap.Int("index", i+1), zap.String("statement", preview(stmt)))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration: %w", err)
	}
	return len(statements), nil
}

func preview(stmt string) string {
	if len(stmt) > 100 {
		return stmt[:100]
	}
	return stmt
}
