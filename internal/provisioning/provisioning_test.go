package provisioning_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/provisioning"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store/storetest"
)

var testRoot = []byte("0123456789abcdef0123456789abcdef")

func newService(t *testing.T, catalog registry.CatalogLookup) (*provisioning.Service, *storetest.MemStore) {
	t.Helper()
	mem := storetest.New()
	deriver, err := keyvault.NewDeriver(testRoot)
	require.NoError(t, err)
	reg := registry.NewService(mem, nil)
	return provisioning.NewService(mem, reg, catalog, deriver, 4), mem
}

func TestService_CreateBatch(t *testing.T) {
	ctx := context.Background()
	producedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("creates a batch", func(t *testing.T) {
		svc, mem := newService(t, registry.StaticCatalog{})

		batch, err := svc.CreateBatch(ctx, "RAD26-07A", "RAD-S1-DRAGON", 100, producedAt)
		require.NoError(t, err)
		assert.NotZero(t, batch.ID)

		stored, err := mem.GetBatchByCode(ctx, "RAD26-07A")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 100, stored.DeclaredCount)
	})

	t.Run("duplicate batch code rejected", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{})

		_, err := svc.CreateBatch(ctx, "RAD26-07A", "RAD-S1-DRAGON", 100, producedAt)
		require.NoError(t, err)

		_, err = svc.CreateBatch(ctx, "RAD26-07A", "RAD-S1-DRAGON", 100, producedAt)
		assert.Error(t, err)
	})

	t.Run("catalog rejects unknown SKU", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{"RAD-S1-DRAGON": true})

		_, err := svc.CreateBatch(ctx, "RAD26-07B", "RAD-S1-UNKNOWN", 100, producedAt)
		assert.ErrorIs(t, err, domain.ErrCardInvalid)
	})
}

func TestService_ProvisionBatch(t *testing.T) {
	ctx := context.Background()
	producedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	manifest := func(entries []provisioning.ManifestEntry) *provisioning.Manifest {
		return &provisioning.Manifest{
			BatchCode:     "RAD26-07A",
			SKU:           "RAD-S1-DRAGON",
			DeclaredCount: len(entries),
			ProducedAt:    producedAt,
			Entries:       entries,
		}
	}

	t.Run("registers every chip in the manifest", func(t *testing.T) {
		svc, mem := newService(t, registry.StaticCatalog{})

		var entries []provisioning.ManifestEntry
		for i := 0; i < 50; i++ {
			entries = append(entries, provisioning.ManifestEntry{
				UID:          fmt.Sprintf("04AABBCC%06X", i),
				SerialNumber: fmt.Sprintf("S1-%04d", i),
			})
		}

		result, err := svc.ProvisionBatch(ctx, manifest(entries))
		require.NoError(t, err)
		assert.Equal(t, 50, result.Registered)
		assert.Empty(t, result.Duplicates)
		assert.Empty(t, result.Failures)

		batch, err := mem.GetBatchByCode(ctx, "RAD26-07A")
		require.NoError(t, err)
		assert.Equal(t, 50, batch.ProgrammedCount)

		card, err := mem.GetCardByUID(ctx, "04AABBCC000000")
		require.NoError(t, err)
		require.NotNil(t, card)
		assert.Equal(t, domain.StatusProvisioned, card.Status)
		assert.NotEmpty(t, card.KeyRef)
	})

	t.Run("duplicate UIDs reported not retried", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{})

		entries := []provisioning.ManifestEntry{
			{UID: "04AABBCCDDEE80", SerialNumber: "S1-0001"},
			{UID: "04AABBCCDDEE80", SerialNumber: "S1-0002"},
		}

		result, err := svc.ProvisionBatch(ctx, manifest(entries))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Registered)
		assert.Equal(t, []string{"04AABBCCDDEE80"}, result.Duplicates)
	})

	t.Run("malformed UIDs land in failures", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{})

		entries := []provisioning.ManifestEntry{
			{UID: "04AABBCCDDEE80", SerialNumber: "S1-0001"},
			{UID: "garbage", SerialNumber: "S1-0002"},
		}

		result, err := svc.ProvisionBatch(ctx, manifest(entries))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Registered)
		require.Len(t, result.Failures, 1)
		assert.Equal(t, "garbage", result.Failures[0].UID)
		assert.ErrorIs(t, result.Failures[0].Err, domain.ErrCardInvalid)
	})

	t.Run("empty manifest rejected", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{})

		_, err := svc.ProvisionBatch(ctx, manifest(nil))
		assert.Error(t, err)
	})

	t.Run("manifest SKU must match existing batch", func(t *testing.T) {
		svc, _ := newService(t, registry.StaticCatalog{})

		_, err := svc.CreateBatch(ctx, "RAD26-07A", "RAD-S1-PHOENIX", 10, producedAt)
		require.NoError(t, err)

		_, err = svc.ProvisionBatch(ctx, manifest([]provisioning.ManifestEntry{
			{UID: "04AABBCCDDEE80", SerialNumber: "S1-0001"},
		}))
		assert.ErrorIs(t, err, domain.ErrCardInvalid)
	})
}

func TestLoadManifest(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		content := `{
			"batch_code": "RAD26-07A",
			"sku": "RAD-S1-DRAGON",
			"declared_count": 2,
			"produced_at": "2026-02-01T00:00:00Z",
			"entries": [
				{"uid": "04AABBCCDDEE80", "serial_number": "S1-0001"},
				{"uid": "04AABBCCDDEE91", "serial_number": "S1-0002", "tier": "challenge_response"}
			]
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		manifest, err := provisioning.LoadManifest(path)
		require.NoError(t, err)
		assert.Equal(t, "RAD26-07A", manifest.BatchCode)
		assert.Len(t, manifest.Entries, 2)
		assert.Equal(t, domain.TierChallengeResponse, manifest.Entries[1].Tier)
	})

	t.Run("missing batch code", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"sku": "RAD-S1-DRAGON"}`), 0600))

		_, err := provisioning.LoadManifest(path)
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0600))

		_, err := provisioning.LoadManifest(path)
		assert.Error(t, err)
	})
}
