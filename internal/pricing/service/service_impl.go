package service

import (
	"context"
	"math"

	"github.com/smallbiznis/memora/internal/config"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Pricing *config.PricingConfigHolder
}

type Service struct {
	log     *zap.Logger
	pricing *config.PricingConfigHolder
}

func New(p Params) pricingdomain.Service {
	return &Service{
		log:     p.Log.Named("pricing.service"),
		pricing: p.Pricing,
	}
}

func (s *Service) ResolveStandard(raw string) (pricingdomain.Standard, error) {
	return resolveStandard(s.pricing.Get(), raw)
}

// resolveStandard accepts a standard only when table prices it.
func resolveStandard(table config.PricingConfig, raw string) (pricingdomain.Standard, error) {
	key := config.NormalizeStandardKey(raw)
	standard, ok := pricingdomain.LookupStandard(key)
	if !ok {
		return "", pricingdomain.ErrUnknownStandard
	}
	if _, priced := table.Standards[key]; !priced {
		return "", pricingdomain.ErrUnknownStandard
	}
	return standard, nil
}

func (s *Service) Quote(ctx context.Context, standard string, documents []pricingdomain.Document) (*pricingdomain.Quote, error) {
	quote, err := s.quote(s.pricing.Get(), standard, documents)
	if err != nil {
		return nil, err
	}
	s.log.Debug("quoted analysis",
		zap.String("standard", string(quote.Standard)),
		zap.Int64("word_count", quote.WordCount),
		zap.Int("file_count", quote.FileCount),
		zap.Int64("price", quote.Price),
	)
	return quote, nil
}

// quote admits and prices documents against one pricing snapshot.
func (s *Service) quote(table config.PricingConfig, standard string, documents []pricingdomain.Document) (*pricingdomain.Quote, error) {
	resolved, err := resolveStandard(table, standard)
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		return nil, pricingdomain.ErrNoDocuments
	}

	var words int64
	for _, doc := range documents {
		words += CountWords(doc.Text)
	}
	if words <= 0 {
		return nil, pricingdomain.ErrEmptyDocuments
	}
	if words > table.MaxWordsPerJob {
		return nil, pricingdomain.ErrTooManyWords
	}

	rate := table.Standards[config.NormalizeStandardKey(string(resolved))]
	price := int64(math.Ceil(float64(words)*rate.CreditsPerWord)) + table.PerFileCredits*int64(len(documents))
	if price < table.MinCharge {
		price = table.MinCharge
	}

	return &pricingdomain.Quote{
		Standard:  resolved,
		WordCount: words,
		FileCount: len(documents),
		Price:     price,
	}, nil
}
