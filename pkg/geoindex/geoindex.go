// Package geoindex serves place searches from an Elasticsearch index whose
// documents carry a geo_point location.
package geoindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olivere/elastic/v7"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

const (
	DefaultIndex = "places"
	DefaultSize  = 20
)

// Mapping is the index body used by EnsureIndex.
const Mapping = `{
	"settings": {"number_of_shards": 1},
	"mappings": {
		"properties": {
			"id":           {"type": "keyword"},
			"name":         {"type": "text"},
			"address":      {"type": "text"},
			"phone":        {"type": "keyword"},
			"website":      {"type": "keyword"},
			"types":        {"type": "keyword"},
			"rating":       {"type": "float"},
			"review_count": {"type": "integer"},
			"price_level":  {"type": "integer"},
			"open_now":     {"type": "boolean"},
			"photo_ref":    {"type": "keyword"},
			"weekday_text": {"type": "text"},
			"location":     {"type": "geo_point"}
		}
	}
}`

// Doc is one indexed place.
type Doc struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Address     string           `json:"address,omitempty"`
	Phone       string           `json:"phone,omitempty"`
	Website     string           `json:"website,omitempty"`
	Types       []string         `json:"types,omitempty"`
	Rating      float64          `json:"rating,omitempty"`
	ReviewCount int              `json:"review_count,omitempty"`
	PriceLevel  *int             `json:"price_level,omitempty"`
	OpenNow     *bool            `json:"open_now,omitempty"`
	PhotoRef    string           `json:"photo_ref,omitempty"`
	WeekdayText []string         `json:"weekday_text,omitempty"`
	Location    elastic.GeoPoint `json:"location"`
}

// Store searches and loads places in one index.
type Store struct {
	Client *elastic.Client
	Index  string
	Size   int
}

// New connects to url. Sniffing is off so single-node and proxied
// clusters work.
func New(url, index string) (*Store, error) {
	client, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("elastic client %s: %w", url, err)
	}
	if index == "" {
		index = DefaultIndex
	}
	return &Store{Client: client, Index: index, Size: DefaultSize}, nil
}

// EnsureIndex creates the index with Mapping when missing.
func (es *Store) EnsureIndex(ctx context.Context) error {
	exists, err := es.Client.IndexExists(es.Index).Do(ctx)
	if err != nil {
		return fmt.Errorf("index exists %s: %w", es.Index, err)
	}
	if exists {
		return nil
	}
	res, err := es.Client.CreateIndex(es.Index).BodyString(Mapping).Do(ctx)
	if err != nil {
		return fmt.Errorf("create index %s: %w", es.Index, err)
	}
	if !res.Acknowledged {
		logger.Warn("elastic: create index %s not acknowledged", es.Index)
	}
	logger.Info("elastic: created index %s", es.Index)
	return nil
}

// Search implements provider.Search: places within radius meters, nearest
// first, restricted to the category's place type when one is given.
func (es *Store) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	q := elastic.NewBoolQuery().Filter(
		elastic.NewGeoDistanceQuery("location").Lat(lat).Lon(lng).Distance(fmt.Sprintf("%dm", radius)),
	)
	if c := strings.TrimSpace(category); c != "" {
		q = q.Filter(elastic.NewTermsQuery("types", termsFor(c)...))
	}

	res, err := es.Client.Search().
		Index(es.Index).
		Query(q).
		SortBy(elastic.NewGeoDistanceSort("location").
			Point(lat, lng).
			Asc().
			Unit("km").
			DistanceType("arc").
			IgnoreUnmapped(true)).
		Size(es.Size).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("elastic search: %w", err)
	}

	if res.Hits == nil {
		return nil, nil
	}
	var out []provider.Place
	for _, hit := range res.Hits.Hits {
		var d Doc
		if err := json.Unmarshal(hit.Source, &d); err != nil {
			logger.Error("elastic: bad document %s: %v", hit.Id, err)
			continue
		}
		if d.ID == "" {
			d.ID = hit.Id
		}
		out = append(out, d.toPlace())
	}
	logger.Debug("elastic: %d hit(s) within %dm", len(out), radius)
	return out, nil
}

// termsFor matches both the raw label and the place type it maps to.
func termsFor(category string) []any {
	terms := []any{strings.ToLower(category)}
	if t := place.TypeFor(place.ParseCategory(category)); t != "" && t != terms[0] {
		terms = append(terms, t)
	}
	return terms
}

// Details implements provider.Details with a document lookup.
func (es *Store) Details(ctx context.Context, id string) (provider.PlaceDetails, error) {
	res, err := es.Client.Get().Index(es.Index).Id(id).Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return provider.PlaceDetails{}, provider.StatusError("elastic get", "NOT_FOUND", id)
		}
		return provider.PlaceDetails{}, fmt.Errorf("elastic get %s: %w", id, err)
	}
	var d Doc
	if err := json.Unmarshal(res.Source, &d); err != nil {
		return provider.PlaceDetails{}, fmt.Errorf("elastic get %s: %w", id, err)
	}
	return provider.PlaceDetails{
		ID:          id,
		Name:        d.Name,
		Address:     d.Address,
		Phone:       d.Phone,
		Website:     d.Website,
		Rating:      d.Rating,
		ReviewCount: d.ReviewCount,
		PriceLevel:  d.PriceLevel,
		OpenNow:     d.OpenNow,
		WeekdayText: d.WeekdayText,
		PhotoRef:    d.PhotoRef,
	}, nil
}

// IndexPlaces bulk-loads places. Places without an id or location are skipped.
// It returns how many documents were accepted.
func (es *Store) IndexPlaces(ctx context.Context, places []provider.Place) (int, error) {
	bulk := es.Client.Bulk()
	for _, p := range places {
		if p.ID == "" || p.Location == nil {
			continue
		}
		bulk = bulk.Add(elastic.NewBulkIndexRequest().Index(es.Index).Id(p.ID).Doc(FromPlace(p)))
	}
	if bulk.NumberOfActions() == 0 {
		return 0, nil
	}
	n := bulk.NumberOfActions()
	res, err := bulk.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("elastic bulk: %w", err)
	}
	failed := res.Failed()
	for _, item := range failed {
		if item.Error != nil {
			logger.Error("elastic: index %s failed: %s", item.Id, item.Error.Reason)
		}
	}
	return n - len(failed), nil
}

// FromPlace converts a provider result into an index document.
func FromPlace(p provider.Place) Doc {
	d := Doc{
		ID:          p.ID,
		Name:        p.Name,
		Address:     p.Address,
		Phone:       p.Phone,
		Types:       p.Types,
		Rating:      p.Rating,
		ReviewCount: p.ReviewCount,
		PriceLevel:  p.PriceLevel,
		OpenNow:     p.OpenNow,
		PhotoRef:    p.PhotoRef,
	}
	if p.Location != nil {
		d.Location = elastic.GeoPoint{Lat: p.Location.Lat, Lon: p.Location.Lng}
	}
	return d
}

func (d Doc) toPlace() provider.Place {
	return provider.Place{
		ID:          d.ID,
		Name:        d.Name,
		Location:    &place.LatLng{Lat: d.Location.Lat, Lng: d.Location.Lon},
		Rating:      d.Rating,
		ReviewCount: d.ReviewCount,
		Types:       d.Types,
		PriceLevel:  d.PriceLevel,
		OpenNow:     d.OpenNow,
		PhotoRef:    d.PhotoRef,
		Phone:       d.Phone,
		Address:     d.Address,
	}
}
