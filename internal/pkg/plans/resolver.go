package plans

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/subsync/subsync/app/models"
)

// Repository provides the plan mapping lookups used by the resolver.
type Repository interface {
	FindActiveMapping(provider, providerPriceID, interval string) (*models.PlanMapping, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a plan mapping repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActiveMapping(provider, providerPriceID, interval string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_price_id = ? AND billing_interval = ? AND is_active = ?", provider, providerPriceID, interval, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Resolver resolves provider price references to internal tiers.
type Resolver struct {
	repo Repository
}

// NewResolver creates a tier resolver from an injected repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// NewResolverFromDB creates a tier resolver from a GORM DB handle.
func NewResolverFromDB(db *gorm.DB) *Resolver {
	return NewResolver(NewRepository(db))
}

// ResolveTier resolves a single provider price id to an internal tier.
func (r *Resolver) ResolveTier(ctx context.Context, provider, providerPriceID, interval string) (string, error) {
	_ = ctx
	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPriceID)
	i := NormalizeInterval(interval)
	if p == "" || ref == "" {
		return string(TierFree), errors.New("provider and provider price id are required")
	}

	// Prefer exact interval match.
	m, err := r.repo.FindActiveMapping(p, ref, i)
	if err == nil {
		return Normalize(m.Tier), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	// Fallback for mappings that intentionally use "unknown".
	m, err = r.repo.FindActiveMapping(p, ref, "unknown")
	if err == nil {
		return Normalize(m.Tier), nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return string(TierFree), gorm.ErrRecordNotFound
	}
	return "", err
}

// ResolveBestTier selects the highest-ranked mapped tier from a list of
// provider price ids and returns the winning price id + internal tier.
func (r *Resolver) ResolveBestTier(ctx context.Context, provider string, providerPriceIDs []string, interval string) (string, string, error) {
	if len(providerPriceIDs) == 0 {
		return "", string(TierFree), gorm.ErrRecordNotFound
	}

	bestRef := ""
	bestTier := string(TierFree)
	foundMapped := false
	seen := make(map[string]struct{}, len(providerPriceIDs))

	for _, raw := range providerPriceIDs {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		tier, err := r.ResolveTier(ctx, provider, ref, interval)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return "", "", err
		}

		if !foundMapped || Rank(tier) > Rank(bestTier) {
			foundMapped = true
			bestRef = ref
			bestTier = tier
		}
	}

	if foundMapped {
		return bestRef, bestTier, nil
	}

	// Fallback: keep the first valid price ref with free tier.
	for _, raw := range providerPriceIDs {
		ref := strings.TrimSpace(raw)
		if ref != "" {
			return ref, string(TierFree), gorm.ErrRecordNotFound
		}
	}
	return "", string(TierFree), gorm.ErrRecordNotFound
}
