package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/rank"
)

const profileColumns = `p.id, p.person_id, p.network, p.type, p.secure, p.uid, p.username, p.name,
	p.first_name, p.last_name, p.email, p.photo_url, p.profile_url, p.gender, p.location,
	p.birthday, p.token, p.secret, p.scope, p.oauth_expiry, p.api_follows_count, p.synced_at,
	p.created_at, p.updated_at`

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	db     *pgxpool.Pool
	cipher Cipher // nil = credentials stored as plaintext
}

// NewPostgresStore creates a PostgresStore. cipher may be nil.
func NewPostgresStore(db *pgxpool.Pool, cipher Cipher) *PostgresStore {
	return &PostgresStore{db: db, cipher: cipher}
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// Create inserts a profile. Sets ID, CreatedAt and UpdatedAt.
func (s *PostgresStore) Create(ctx context.Context, p *model.Profile) error {
	token, secret, err := s.seal(p)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	q := `
		INSERT INTO profiles (id, person_id, network, type, secure, uid, username, name,
			first_name, last_name, email, photo_url, profile_url, gender, location,
			birthday, token, secret, scope, oauth_expiry, api_follows_count, synced_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24)`
	_, err = s.db.Exec(ctx, q,
		p.ID, p.PersonID, p.Network, p.Type, p.Secure, p.UID, p.Username, p.Name,
		p.FirstName, p.LastName, p.Email, p.PhotoURL, p.ProfileURL, p.Gender, p.Location,
		p.Birthday, token, secret, p.Scope, p.OAuthExpiry, p.APIFollowsCount, p.SyncedAt,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr("create profile", err)
	}
	return nil
}

// Update overwrites every mutable column of an existing profile.
func (s *PostgresStore) Update(ctx context.Context, p *model.Profile) error {
	token, secret, err := s.seal(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	q := `
		UPDATE profiles SET person_id = $2, type = $3, secure = $4, uid = $5, username = $6,
			name = $7, first_name = $8, last_name = $9, email = $10, photo_url = $11,
			profile_url = $12, gender = $13, location = $14, birthday = $15, token = $16,
			secret = $17, scope = $18, oauth_expiry = $19, api_follows_count = $20,
			synced_at = $21, updated_at = $22
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, q,
		p.ID, p.PersonID, p.Type, p.Secure, p.UID, p.Username,
		p.Name, p.FirstName, p.LastName, p.Email, p.PhotoURL,
		p.ProfileURL, p.Gender, p.Location, p.Birthday, token,
		secret, p.Scope, p.OAuthExpiry, p.APIFollowsCount,
		p.SyncedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr("update profile", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a profile. Follows and invites in both directions go with it
// through ON DELETE CASCADE.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Profile, error) {
	return s.scanOne(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id = $1`, id)
}

// FindByUID looks up the personal (untyped) profile for uid on network.
func (s *PostgresStore) FindByUID(ctx context.Context, network model.Network, uid string) (*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles p
		WHERE p.network = $1 AND p.uid = $2 AND p.type = ''
		ORDER BY p.secure LIMIT 1`
	return s.scanOne(ctx, q, network, uid)
}

func (s *PostgresStore) FindForPerson(ctx context.Context, personID int64, network model.Network) (*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles p
		WHERE p.person_id = $1 AND p.network = $2 AND p.type = ''`
	return s.scanOne(ctx, q, personID, network)
}

func (s *PostgresStore) ListForPerson(ctx context.Context, personID int64) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles p WHERE p.person_id = $1 ORDER BY p.created_at`
	return s.scanMany(ctx, q, personID)
}

// ListExpiring returns connected profiles on network whose token expires before the cutoff.
func (s *PostgresStore) ListExpiring(ctx context.Context, network model.Network, before time.Time, limit int) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles p
		WHERE p.network = $1 AND p.token IS NOT NULL AND p.oauth_expiry < $2
		ORDER BY p.oauth_expiry LIMIT $3`
	return s.scanMany(ctx, q, network, before, limitOrAll(limit))
}

// ListStale returns connected, person-owned profiles not synced since the cutoff.
func (s *PostgresStore) ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles p
		WHERE p.person_id IS NOT NULL AND p.type = '' AND p.token IS NOT NULL
		  AND (p.network NOT IN ('twitter', 'tumblr') OR p.secret IS NOT NULL)
		  AND (p.synced_at IS NULL OR p.synced_at < $1)
		ORDER BY p.synced_at NULLS FIRST LIMIT $2`
	return s.scanMany(ctx, q, syncedBefore, limitOrAll(limit))
}

// NextPersonID allocates a person id for a follower first seen during sync.
func (s *PostgresStore) NextPersonID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, `SELECT nextval('people_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate person id: %w", err)
	}
	return id, nil
}

// ── Follows ──────────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateFollow(ctx context.Context, f *model.Follow) error {
	rankJSON, rankValue, err := encodeRank(f.Rank)
	if err != nil {
		return err
	}
	f.ID = uuid.New()
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	q := `
		INSERT INTO follows (id, profile_id, follower_id, rank, rank_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.Exec(ctx, q, f.ID, f.ProfileID, f.FollowerID, rankJSON, rankValue, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return mapWriteErr("create follow", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFollowRank(ctx context.Context, f *model.Follow) error {
	rankJSON, rankValue, err := encodeRank(f.Rank)
	if err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	q := `UPDATE follows SET rank = $3, rank_value = $4, updated_at = $5
		WHERE profile_id = $1 AND follower_id = $2`
	tag, err := s.db.Exec(ctx, q, f.ProfileID, f.FollowerID, rankJSON, rankValue, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update follow rank: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetFollow(ctx context.Context, profileID, followerID uuid.UUID) (*model.Follow, error) {
	var f model.Follow
	var rankJSON []byte
	q := `SELECT id, profile_id, follower_id, rank, created_at, updated_at
		FROM follows WHERE profile_id = $1 AND follower_id = $2`
	err := s.db.QueryRow(ctx, q, profileID, followerID).Scan(
		&f.ID, &f.ProfileID, &f.FollowerID, &rankJSON, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get follow: %w", err)
	}
	if f.Rank, err = decodeRank(rankJSON); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) FollowExists(ctx context.Context, profileID, followerID uuid.UUID) (bool, error) {
	var exists bool
	q := `SELECT EXISTS(SELECT 1 FROM follows WHERE profile_id = $1 AND follower_id = $2)`
	if err := s.db.QueryRow(ctx, q, profileID, followerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check follow: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteFollow(ctx context.Context, profileID, followerID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM follows WHERE profile_id = $1 AND follower_id = $2`, profileID, followerID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFollowers(ctx context.Context, profileID uuid.UUID, fq FollowerQuery) ([]*model.Profile, error) {
	order := `f.created_at`
	if fq.ByRank {
		order = `f.rank_value DESC NULLS LAST, f.created_at`
	}
	args := []any{profileID, limitOrAll(fq.Limit), fq.Offset}
	where := `f.profile_id = $1`
	if len(fq.FollowerIDs) > 0 {
		ids := make([]string, len(fq.FollowerIDs))
		for i, id := range fq.FollowerIDs {
			ids[i] = id.String()
		}
		args = append(args, ids)
		where += fmt.Sprintf(` AND f.follower_id = ANY($%d::uuid[])`, len(args))
	}
	if fq.OnboardedOnly {
		where += ` AND p.synced_at IS NOT NULL`
	}
	q := `SELECT ` + profileColumns + ` FROM follows f
		JOIN profiles p ON p.id = f.follower_id
		WHERE ` + where + `
		ORDER BY ` + order + ` LIMIT $2 OFFSET $3`
	return s.scanMany(ctx, q, args...)
}

func (s *PostgresStore) ListFollowing(ctx context.Context, followerID uuid.UUID) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM follows f
		JOIN profiles p ON p.id = f.profile_id
		WHERE f.follower_id = $1 ORDER BY f.created_at`
	return s.scanMany(ctx, q, followerID)
}

func (s *PostgresStore) CountFollowers(ctx context.Context, profileID uuid.UUID) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM follows WHERE profile_id = $1`, profileID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count followers: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountOnboardedFollowers(ctx context.Context, profileID uuid.UUID) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM follows f
		JOIN profiles p ON p.id = f.follower_id
		WHERE f.profile_id = $1 AND p.synced_at IS NOT NULL`
	if err := s.db.QueryRow(ctx, q, profileID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count onboarded followers: %w", err)
	}
	return n, nil
}

// ── Invites ──────────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateInvite(ctx context.Context, inv *model.Invite) error {
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now().UTC()
	q := `INSERT INTO invites (id, invitee_id, inviter_id, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.db.Exec(ctx, q, inv.ID, inv.InviteeID, inv.InviterID, inv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return mapWriteErr("create invite", err)
	}
	return nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, error) {
	var inv model.Invite
	q := `SELECT id, invitee_id, inviter_id, created_at FROM invites WHERE invitee_id = $1 AND inviter_id = $2`
	err := s.db.QueryRow(ctx, q, inviteeID, inviterID).Scan(&inv.ID, &inv.InviteeID, &inv.InviterID, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get invite: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) DeleteInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM invites WHERE invitee_id = $1 AND inviter_id = $2`, inviteeID, inviterID)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListInviters(ctx context.Context, inviteeID uuid.UUID) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM invites i
		JOIN profiles p ON p.id = i.inviter_id
		WHERE i.invitee_id = $1 ORDER BY i.created_at`
	return s.scanMany(ctx, q, inviteeID)
}

func (s *PostgresStore) ListInvitees(ctx context.Context, inviterID uuid.UUID) ([]*model.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM invites i
		JOIN profiles p ON p.id = i.invitee_id
		WHERE i.inviter_id = $1 ORDER BY i.created_at`
	return s.scanMany(ctx, q, inviterID)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *PostgresStore) scanOne(ctx context.Context, q string, args ...any) (*model.Profile, error) {
	p, err := s.scanProfile(s.db.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) scanMany(ctx context.Context, q string, args ...any) ([]*model.Profile, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []*model.Profile
	for rows.Next() {
		p, err := s.scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	var token, secret *string
	err := row.Scan(
		&p.ID, &p.PersonID, &p.Network, &p.Type, &p.Secure, &p.UID, &p.Username, &p.Name,
		&p.FirstName, &p.LastName, &p.Email, &p.PhotoURL, &p.ProfileURL, &p.Gender, &p.Location,
		&p.Birthday, &token, &secret, &p.Scope, &p.OAuthExpiry, &p.APIFollowsCount, &p.SyncedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Token, err = s.open(token); err != nil {
		return nil, fmt.Errorf("open token for profile %s: %w", p.ID, err)
	}
	if p.Secret, err = s.open(secret); err != nil {
		return nil, fmt.Errorf("open secret for profile %s: %w", p.ID, err)
	}
	return &p, nil
}

// seal returns the stored form of the profile's credentials; empty values
// become NULL so connectivity can be checked in SQL.
func (s *PostgresStore) seal(p *model.Profile) (token, secret *string, err error) {
	for _, c := range []struct {
		in  string
		out **string
	}{{p.Token, &token}, {p.Secret, &secret}} {
		if c.in == "" {
			continue
		}
		v := c.in
		if s.cipher != nil {
			if v, err = s.cipher.Seal(c.in); err != nil {
				return nil, nil, fmt.Errorf("seal credentials: %w", err)
			}
		}
		*c.out = &v
	}
	return token, secret, nil
}

func (s *PostgresStore) open(v *string) (string, error) {
	if v == nil {
		return "", nil
	}
	if s.cipher == nil {
		return *v, nil
	}
	return s.cipher.Open(*v)
}

func encodeRank(r rank.FollowRank) ([]byte, *float64, error) {
	if r == nil {
		return nil, nil, nil
	}
	b, err := json.Marshal(r.Params())
	if err != nil {
		return nil, nil, fmt.Errorf("encode follow rank: %w", err)
	}
	v := r.Value()
	return b, &v, nil
}

func decodeRank(b []byte) (rank.FollowRank, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p rank.Params
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode follow rank: %w", err)
	}
	r, err := rank.FromParams(p)
	if err != nil {
		return nil, fmt.Errorf("decode follow rank: %w", err)
	}
	return r, nil
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

// limitOrAll turns a non-positive limit into a LIMIT that matches every row.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
