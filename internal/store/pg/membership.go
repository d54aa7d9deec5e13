package pg

import (
	"context"
	"errors"
	"time"
)

// SyncMembership upserts one ledger row per claimed organization with the
// credential's expiry. Last write to not_after wins; concurrent syncs for
// the same subject assert expiries derived from the same credential, so the
// race is benign.
func (s *Store) SyncMembership(ctx context.Context, subjectID string, organizationIDs []string, notAfter time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if len(organizationIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, org := range organizationIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into group_memberships (subject_id, organization_id, not_after)
			values ($1, $2, $3)
			on conflict (subject_id, organization_id)
			do update set not_after = excluded.not_after, updated_at = now()
		`, subjectID, org, notAfter); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IsActiveMember reports whether the subject currently belongs to the
// organization, from the ledger alone.
func (s *Store) IsActiveMember(ctx context.Context, subjectID, organizationID string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from group_memberships
			where subject_id = $1 and organization_id = $2
			  and (not_after is null or not_after > $3)
		)
	`, subjectID, organizationID, now).Scan(&active)
	return active, err
}

// ActiveOrganizations returns the subject's currently active organization
// set, ordered for stable output.
func (s *Store) ActiveOrganizations(ctx context.Context, subjectID string, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select organization_id from group_memberships
		where subject_id = $1 and (not_after is null or not_after > $2)
		order by organization_id
	`, subjectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
