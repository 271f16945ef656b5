package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"servicechat/internal/models"
)

const (
	catalogKey      = "custom-questions"
	defaultCategory = "General"
)

// QuestionGroup is one category of the canned-question catalog.
type QuestionGroup struct {
	Category  string                  `json:"category"`
	Questions []models.CustomQuestion `json:"questions"`
}

// CatalogService serves the canned-question catalog, cached for ttl.
type CatalogService struct {
	api   ChatAPI
	cache *cache.Cache
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(api ChatAPI, ttl time.Duration) (*CatalogService, error) {
	if api == nil {
		return nil, fmt.Errorf("chat API client cannot be nil for CatalogService")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("catalog TTL must be positive, got %s", ttl)
	}
	return &CatalogService{
		api:   api,
		cache: cache.New(ttl, 2*ttl),
	}, nil
}

// Questions returns the catalog, fetching it when the cached copy expired.
func (c *CatalogService) Questions(ctx context.Context) ([]models.CustomQuestion, error) {
	if v, ok := c.cache.Get(catalogKey); ok {
		return copyQuestions(v.([]models.CustomQuestion)), nil
	}
	return c.Refresh(ctx)
}

// Refresh refetches the catalog regardless of the cache.
func (c *CatalogService) Refresh(ctx context.Context) ([]models.CustomQuestion, error) {
	questions, err := c.api.ListCustomQuestions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load custom questions")
		return nil, err
	}
	c.cache.SetDefault(catalogKey, copyQuestions(questions))
	log.Info().Int("questionCount", len(questions)).Msg("Custom question catalog loaded")
	return questions, nil
}

// Grouped returns the active questions grouped by category.
func (c *CatalogService) Grouped(ctx context.Context) ([]QuestionGroup, error) {
	questions, err := c.Questions(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByCategory(questions), nil
}

// Find returns the question with id from the cached catalog.
func (c *CatalogService) Find(ctx context.Context, id int64) (models.CustomQuestion, bool) {
	questions, err := c.Questions(ctx)
	if err != nil {
		return models.CustomQuestion{}, false
	}
	for _, q := range questions {
		if q.ID == id {
			return q, true
		}
	}
	return models.CustomQuestion{}, false
}

// GroupByCategory groups active questions by category. Categories are
// sorted by name and questions keep their catalog order.
func GroupByCategory(questions []models.CustomQuestion) []QuestionGroup {
	byCategory := make(map[string][]models.CustomQuestion)
	for _, q := range questions {
		if !q.IsActive {
			continue
		}
		category := q.Category
		if category == "" {
			category = defaultCategory
		}
		byCategory[category] = append(byCategory[category], q)
	}

	groups := make([]QuestionGroup, 0, len(byCategory))
	for category, qs := range byCategory {
		groups = append(groups, QuestionGroup{Category: category, Questions: qs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Category < groups[j].Category })
	return groups
}

func copyQuestions(in []models.CustomQuestion) []models.CustomQuestion {
	out := make([]models.CustomQuestion, len(in))
	copy(out, in)
	return out
}
