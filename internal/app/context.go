package app

import (
	"context"
	"database/sql"
	"fmt"

	"openwork/internal/config"
	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/migrate"
)

// ResolveConfig loads openwork.yml from the workspace. Without a file it
// falls back to defaults for the given role and domain id; flags override
// the file's role and id when non-zero.
func ResolveConfig(workspace string, role domain.Role, domainID uint32) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if role == "" || domainID == 0 {
			return nil, fmt.Errorf("no %s and no --role/--domain given", config.Path(workspace))
		}
		cfg = config.Default(role, domainID)
	}
	if role != "" {
		cfg.Domain.Role = role
	}
	if domainID != 0 {
		cfg.Domain.ID = domainID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenWorkspace opens and migrates the database of one domain role.
func OpenWorkspace(ctx context.Context, workspace string, role domain.Role) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: string(role)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", role, err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s database: %w", role, err)
	}
	return conn, nil
}
