package cookie

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskpilot/pkg/config"
	"taskpilot/pkg/gen"
)

var Module = fx.Module("cookie.store",
	fx.Provide(provideStore),
)

// Store caches login cookies. Uniqueness per (domain, account) is enforced by
// the database index, so concurrent upserts from different workers converge
// on a single row.
type Store struct {
	db     *gorm.DB
	ids    gen.IDGenerator
	sealer *Sealer
	now    func() time.Time
}

type Params struct {
	fx.In
	DB  *gorm.DB
	IDs gen.IDGenerator
}

func NewStore(p Params) *Store {
	return &Store{db: p.DB, ids: p.IDs, now: time.Now}
}

// provideStore encrypts payloads at rest when COOKIE.ENCRYPTION_KEY is set.
func provideStore(p Params, cfg *config.Config) (*Store, error) {
	s := NewStore(p)
	if cfg.Cookie.EncryptionKey == "" {
		return s, nil
	}
	sealer, err := NewSealer(cfg.Cookie.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return s.WithSealer(sealer), nil
}

// WithSealer encrypts payloads written from now on.
func (s *Store) WithSealer(sealer *Sealer) *Store {
	s.sealer = sealer
	return s
}

func normalize(domain, account string) (string, string) {
	return strings.ToLower(strings.TrimSpace(domain)), strings.TrimSpace(account)
}

// Find returns the cookie payload for (domain, account), or nil when there
// is none, it expired, or it was invalidated.
func (s *Store) Find(ctx context.Context, domain, account string) (*Cookie, error) {
	domain, account = normalize(domain, account)
	now := s.now()

	var c Cookie
	err := s.db.WithContext(ctx).
		Where("domain = ? AND account = ?", domain, account).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !c.Usable(now) {
		return nil, nil
	}
	if s.sealer != nil {
		plain, err := s.sealer.Open(c.CookieData)
		if err != nil {
			zap.L().Warn("discarding undecryptable cookie", zap.String("domain", domain), zap.Error(err))
			return nil, nil
		}
		c.CookieData = plain
	}

	if err := s.db.WithContext(ctx).Model(&Cookie{}).
		Where("id = ?", c.ID).
		Update("last_used_at", now).Error; err != nil {
		zap.L().Warn("failed to touch cookie", zap.String("domain", domain), zap.Error(err))
	}
	c.LastUsedAt = &now

	return &c, nil
}

// Upsert stores payload for (domain, account) and marks it valid again.
func (s *Store) Upsert(ctx context.Context, domain, account string, payload datatypes.JSON, expiresAt time.Time) error {
	domain, account = normalize(domain, account)
	now := s.now()

	if s.sealer != nil {
		var err error
		if payload, err = s.sealer.Seal(payload); err != nil {
			return err
		}
	}

	c := Cookie{
		ID:         s.ids.NextID(),
		Domain:     domain,
		Account:    account,
		CookieData: payload,
		ExpiresAt:  expiresAt,
		LastUsedAt: &now,
		IsValid:    true,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"cookie_data", "expires_at", "last_used_at", "is_valid", "updated_at"}),
	}).Create(&c).Error
}

// Invalidate marks the cookie unusable without deleting it.
func (s *Store) Invalidate(ctx context.Context, domain, account string) error {
	domain, account = normalize(domain, account)

	return s.db.WithContext(ctx).Model(&Cookie{}).
		Where("domain = ? AND account = ?", domain, account).
		Updates(map[string]any{"is_valid": false, "updated_at": s.now()}).Error
}
