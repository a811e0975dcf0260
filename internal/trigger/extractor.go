package trigger

import (
	"context"
	"time"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
	"vms-subscription-engine/internal/triggered"
)

// Extractor derives commands from one source's raw event payload.
type Extractor interface {
	// Source labels the entities this extractor creates; re-triggering
	// decisions route back to the creating extractor through it.
	Source() string
	// DedupData returns the subset of an entity's data that constitutes its
	// dedup key.
	DedupData(ts *models.TriggeredSubscription) []models.TriggeredSubscriptionData
	// Merge transfers accumulated correlation data from a superseded entity
	// onto its replacement.
	Merge(old, candidate *models.TriggeredSubscription)
	ExtractCommands(ctx context.Context, raw []byte, sender models.SenderCriterion, receivedAt time.Time) ([]Command, error)
}

// Registry maps source name to extractor. Populated at startup, looked up at
// dispatch time.
type Registry map[string]Extractor

func NewRegistry(extractors ...Extractor) Registry {
	r := make(Registry, len(extractors))
	for _, ex := range extractors {
		r[ex.Source()] = ex
	}
	return r
}

func (r Registry) Get(source string) (Extractor, bool) {
	ex, ok := r[source]
	return ex, ok
}

// RegisterMerges installs every extractor's merge callback on the service,
// keyed by source, so supersession invokes the superseded entity's own merge.
func (r Registry) RegisterMerges(svc *triggered.Service) {
	for source, ex := range r {
		svc.RegisterMerge(source, ex.Merge)
	}
}

// finder is the slice of the subscriptions repo extractors match against.
type finder interface {
	FindTriggered(ctx context.Context, c repos.SearchCriteria) ([]*models.Subscription, error)
}

// assetResolver resolves an asset history reference to its identity.
type assetResolver interface {
	ResolveByConnectID(ctx context.Context, connectID string) (*clients.AssetIdentity, error)
}

// areaLocator resolves a coordinate to the areas containing it.
type areaLocator interface {
	AreasContaining(ctx context.Context, latitude float64, longitude float64) ([]models.AreaCriterion, error)
}

// assetCriteria expands an identity into the criteria it can match: itself
// plus every group it belongs to.
func assetCriteria(identity *clients.AssetIdentity) []models.AssetCriterion {
	if identity == nil {
		return nil
	}
	criteria := make([]models.AssetCriterion, 0, 1+len(identity.GroupGUIDs))
	criteria = append(criteria, models.AssetCriterion{Type: models.AssetSingle, GUID: identity.AssetGUID})
	for _, g := range identity.GroupGUIDs {
		criteria = append(criteria, models.AssetCriterion{Type: models.AssetGroup, GUID: g})
	}
	return criteria
}

// mergeIndexed appends old's indexed family entries onto candidate,
// re-indexed contiguously after candidate's own entries.
func mergeIndexed(old, candidate *models.TriggeredSubscription, prefix string) {
	for _, v := range models.IndexedValues(old.Data, prefix) {
		candidate.AppendIndexed(prefix, v)
	}
}
