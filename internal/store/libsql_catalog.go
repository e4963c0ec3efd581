package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/webforge/pkg/schema"
)

// --- Registries ---

const registryColumns = `id, name, type, url, image, tag_template, credential_id, region, last_pushed_at, created_at`

func (s *LibSQLStore) CreateRegistry(ctx context.Context, r *Registry) error {
	r.CreatedAt = timeOrNow(r.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registries (`+registryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Type), nullStr(r.URL), r.Image, nullStr(r.TagTemplate),
		nullStr(r.CredentialID), nullStr(r.Region), nullTime(r.LastPushedAt), r.CreatedAt,
	)
	return storeErr("registry", r.Name, err)
}

func (s *LibSQLStore) GetRegistry(ctx context.Context, id string) (*Registry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM registries WHERE id = ?`, id)
	r, err := scanRegistry(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("registry", id)
	}
	return r, storeErr("registry", id, err)
}

func (s *LibSQLStore) ListRegistries(ctx context.Context) ([]*Registry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registryColumns+` FROM registries ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("registries", "", err)
	}
	defer rows.Close()

	var out []*Registry
	for rows.Next() {
		r, err := scanRegistry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) TouchRegistryPush(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE registries SET last_pushed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return storeErr("registry", id, err)
	}
	return checkRowsAffected(res, "registry", id)
}

func scanRegistry(sc scanner) (*Registry, error) {
	r := &Registry{}
	var (
		typ                                    string
		url, tagTemplate, credentialID, region sql.NullString
		lastPushed                             sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Name, &typ, &url, &r.Image, &tagTemplate, &credentialID, &region,
		&lastPushed, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Type = schema.RegistryType(typ)
	r.URL = url.String
	r.TagTemplate = tagTemplate.String
	r.CredentialID = credentialID.String
	r.Region = region.String
	r.LastPushedAt = timePtr(lastPushed)
	return r, nil
}

// --- Templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, t *Template) error {
	rules, err := marshalOrDefault(t.Rules, "[]")
	if err != nil {
		return fmt.Errorf("marshal template rules: %w", err)
	}
	assets, err := marshalOrDefault(t.Assets, "[]")
	if err != nil {
		return fmt.Errorf("marshal template assets: %w", err)
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, rules, assets, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(rules), string(assets), t.CreatedAt,
	)
	return storeErr("template", t.Name, err)
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, rules, assets, created_at FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	return t, storeErr("template", id, err)
}

func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, rules, assets, created_at FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("templates", "", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(sc scanner) (*Template, error) {
	t := &Template{}
	var rules, assets string
	if err := sc.Scan(&t.ID, &t.Name, &rules, &assets, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &t.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal template rules: %w", err)
	}
	if err := json.Unmarshal([]byte(assets), &t.Assets); err != nil {
		return nil, fmt.Errorf("unmarshal template assets: %w", err)
	}
	return t, nil
}

// --- Configurations ---

func (s *LibSQLStore) CreateConfiguration(ctx context.Context, c *Configuration) error {
	entries, err := marshalOrDefault(c.Entries, "[]")
	if err != nil {
		return fmt.Errorf("marshal configuration entries: %w", err)
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO configurations (id, name, entries, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, string(entries), c.CreatedAt,
	)
	return storeErr("configuration", c.Name, err)
}

func (s *LibSQLStore) GetConfiguration(ctx context.Context, id string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, entries, created_at FROM configurations WHERE id = ?`, id)
	c, err := scanConfiguration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("configuration", id)
	}
	return c, storeErr("configuration", id, err)
}

func (s *LibSQLStore) ListConfigurations(ctx context.Context) ([]*Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, entries, created_at FROM configurations ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("configurations", "", err)
	}
	defer rows.Close()

	var out []*Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConfiguration(sc scanner) (*Configuration, error) {
	c := &Configuration{}
	var entries string
	if err := sc.Scan(&c.ID, &c.Name, &entries, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entries), &c.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal configuration entries: %w", err)
	}
	return c, nil
}
