package storage

import (
	"context"
	"fmt"

	"github.com/XavSPM/RevpiEpics/internal/types"
)

// SaveBinding inserts a binding or replaces the one stored for the same I/O name.
func (p *PostgresClient) SaveBinding(ctx context.Context, def types.BindingDefinition) error {
	sb, err := NewStoredBinding(def)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO bindings (id, io_name, pv_name, drvl, drvh, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (io_name) DO UPDATE SET
			pv_name    = EXCLUDED.pv_name,
			drvl       = EXCLUDED.drvl,
			drvh       = EXCLUDED.drvh,
			fields     = EXCLUDED.fields,
			updated_at = now()
	`, sb.ID, sb.IOName, sb.PVName, sb.DriveLow, sb.DriveHigh, sb.Fields)
	if err != nil {
		return fmt.Errorf("failed to save binding %s: %w", def.IOName, err)
	}

	return nil
}

// LoadBindings returns all stored bindings in creation order.
func (p *PostgresClient) LoadBindings(ctx context.Context) ([]types.BindingDefinition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, io_name, pv_name, drvl, drvh, fields, created_at, updated_at
		FROM bindings
		ORDER BY created_at, io_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var defs []types.BindingDefinition
	for rows.Next() {
		var sb StoredBinding
		if err := rows.Scan(&sb.ID, &sb.IOName, &sb.PVName, &sb.DriveLow, &sb.DriveHigh,
			&sb.Fields, &sb.CreatedAt, &sb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}

		def, err := sb.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bindings: %w", err)
	}

	return defs, nil
}

// DeleteBinding removes the stored binding of ioName. Deleting a name that
// is not stored is not an error.
func (p *PostgresClient) DeleteBinding(ctx context.Context, ioName string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM bindings WHERE io_name = $1`, ioName); err != nil {
		return fmt.Errorf("failed to delete binding %s: %w", ioName, err)
	}
	return nil
}
