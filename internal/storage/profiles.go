package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
)

// SaveProfile inserts a profile
func (s *SQLiteStorage) SaveProfile(ctx context.Context, p *frontier.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (
			handle, name, must_match, must_not_match, max_depth, domain_max_pages,
			revisit, allow_query, politeness_delay_ns, store_content, index_text,
			index_media, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Handle,
		p.Name,
		p.MustMatch,
		p.MustNotMatch,
		p.MaxDepth,
		p.DomainMaxPages,
		p.Revisit.String(),
		boolInt(p.AllowQuery),
		int64(p.PolitenessDelay),
		boolInt(p.StoreContent),
		boolInt(p.IndexText),
		boolInt(p.IndexMedia),
		toNanos(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.Handle, err)
	}
	return nil
}

// DeleteProfile removes a profile
func (s *SQLiteStorage) DeleteProfile(ctx context.Context, handle string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE handle = ?", handle); err != nil {
		return fmt.Errorf("failed to delete profile %s: %w", handle, err)
	}
	return nil
}

// LoadProfiles returns every stored profile
func (s *SQLiteStorage) LoadProfiles(ctx context.Context) ([]*frontier.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, name, must_match, must_not_match, max_depth, domain_max_pages,
			revisit, allow_query, politeness_delay_ns, store_content, index_text,
			index_media, created_at
		FROM profiles
		ORDER BY handle
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*frontier.Profile
	for rows.Next() {
		var (
			cfg                                 frontier.ProfileConfig
			revisit                             string
			allowQuery, storeContent, indexText bool
			indexMedia                          bool
			delayNanos, createdAt               int64
		)
		if err := rows.Scan(
			&cfg.Handle, &cfg.Name, &cfg.MustMatch, &cfg.MustNotMatch,
			&cfg.MaxDepth, &cfg.DomainMaxPages, &revisit, &allowQuery,
			&delayNanos, &storeContent, &indexText, &indexMedia, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}

		if cfg.Revisit, err = frontier.ParseRevisitPolicy(revisit); err != nil {
			return nil, fmt.Errorf("profile %s: %w", cfg.Handle, err)
		}
		cfg.AllowQuery = allowQuery
		cfg.PolitenessDelay = time.Duration(delayNanos)
		cfg.StoreContent = storeContent
		cfg.IndexText = indexText
		cfg.IndexMedia = indexMedia

		p, err := frontier.NewProfile(cfg, fromNanos(createdAt))
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", cfg.Handle, err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	return profiles, nil
}
