package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
)

// SeedVersion is the version of every default artifact.
const SeedVersion = "1.0.0"

// seedAccuracy is the reported accuracy of the default artifact per type.
var seedAccuracy = map[domain.ModelType]float64{
	domain.ModelTypeDocument: 0.98,
	domain.ModelTypeFace:     0.95,
	domain.ModelTypeRisk:     0.92,
	domain.ModelTypeAnomaly:  0.90,
}

// SeedID is the deterministic id of the default artifact of t. Replicas
// seeding the same store concurrently therefore agree on one artifact.
func SeedID(t domain.ModelType) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kestrel/default/"+string(t))).String()
}

// seed publishes the default artifact for every type without one.
func (r *Registry) seed(ctx context.Context) error {
	bundle := ml.DefaultBundle()
	payload, err := bundle.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode default bundle: %w", err)
	}

	for _, t := range domain.KnownModelTypes() {
		if len(r.catalog.Load().OfType(t)) > 0 {
			continue
		}

		_, err := r.publish(ctx, publishInput{
			ID:       SeedID(t),
			Type:     t,
			Name:     fmt.Sprintf("default-%s-model", strings.ToLower(string(t))),
			Version:  SeedVersion,
			Accuracy: seedAccuracy[t],
			Bundle:   bundle,
			Payload:  payload,
			Source:   SourceSeed,
		})
		if err != nil {
			return fmt.Errorf("failed to seed %s model: %w", t, err)
		}
		slog.Info("seeded default model", "type", t, "id", SeedID(t))
	}
	return nil
}
