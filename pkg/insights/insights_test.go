package insights

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

func seedBundle(t *testing.T, stores *repo.Stores, id, platformAdID string) {
	t.Helper()
	require.NoError(t, stores.Bundles.Create(context.Background(), &contracts.AdBundle{
		ID: id, TenantID: "t1", RunID: "RUN1",
		IntentID: "IN1", LpVariantID: "LP1", CreativeVariantID: "CR1", AdCopyID: "AC1",
		Status: contracts.BundleRunning, PlatformAdID: platformAdID,
	}))
}

func newImporter(stores *repo.Stores) (*Importer, *objstore.Memory) {
	blobs := objstore.NewMemory()
	clock := ulid.FixedClock{T: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	return NewImporter(stores.Bundles, stores.Insights, stores.Imports, blobs,
		ulid.NewFactory(), clock, slog.Default()), blobs
}

func TestImportCSVByBundleID(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")
	im, blobs := newImporter(stores)

	csvData := strings.Join([]string{
		"Date,Ad_Bundle_ID,Impressions,Clicks,Spend,Conversions",
		"2026-03-01,AB1,1000,50,1234.5,4",
		"2026-03-02,AB1,800,40,990,2",
	}, "\n")

	sum, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData), ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, sum.RecordsImported)
	require.Zero(t, sum.RecordsFailed)

	row, err := stores.Insights.GetDaily(ctx, "t1", "AB1", "2026-03-01", contracts.SourceManual)
	require.NoError(t, err)
	require.Equal(t, int64(1000), row.Impressions)
	require.Equal(t, 1234.5, row.Spend)
	require.Equal(t, int64(4), row.Conversions)

	// Raw file archived under the summary's key.
	raw, err := blobs.Get(ctx, sum.ObjectKey)
	require.NoError(t, err)
	require.Contains(t, string(raw), "2026-03-01,AB1")

	// Summary is queryable.
	got, err := stores.Imports.Get(ctx, "t1", sum.ID)
	require.NoError(t, err)
	require.Equal(t, sum.RecordsImported, got.RecordsImported)
}

func TestImportCSVByUTMContent(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")
	im, _ := newImporter(stores)

	csvData := "date,utm_content,impressions,clicks,spend\n" +
		"2026-03-01,IN1_LP1_CR1_AC1,500,25,100\n" +
		"2026-03-01,IN9_LP9_CR9_AC9,500,25,100\n"

	sum, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData), ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.RecordsImported)
	require.Equal(t, 1, sum.RecordsFailed)
	require.Len(t, sum.Errors, 1)
	require.Contains(t, sum.Errors[0], "IN9_LP9_CR9_AC9")
}

func TestImportCSVReplacesByDefault(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")
	im, _ := newImporter(stores)

	csvData := "date,ad_bundle_id,impressions,clicks,spend,conversions\n2026-03-01,AB1,100,50,100,4\n"
	_, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData), ImportOptions{})
	require.NoError(t, err)

	// Re-import of the same (bundle, date) with no option set: replace, not skip.
	csvData2 := "date,ad_bundle_id,impressions,clicks,spend,conversions\n2026-03-01,AB1,200,50,100,4\n"
	sum, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData2), ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.RecordsImported)
	require.Equal(t, 0, sum.RecordsSkipped)

	row, err := stores.Insights.GetDaily(ctx, "t1", "AB1", "2026-03-01", contracts.SourceManual)
	require.NoError(t, err)
	require.Equal(t, int64(200), row.Impressions)
}

func TestImportCSVSkipsOnExplicitNoOverwrite(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")
	im, _ := newImporter(stores)
	keep := false

	csvData := "date,ad_bundle_id,impressions,clicks,spend,conversions\n2026-03-01,AB1,1000,50,100,4\n"
	_, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData), ImportOptions{})
	require.NoError(t, err)

	// Only overwrite=false protects the existing row.
	csvData2 := "date,ad_bundle_id,impressions,clicks,spend,conversions\n2026-03-01,AB1,9,9,9,9\n"
	sum, err := im.ImportCSV(ctx, "t1", "RUN1", []byte(csvData2), ImportOptions{Overwrite: &keep})
	require.NoError(t, err)
	require.Equal(t, 0, sum.RecordsImported)
	require.Equal(t, 1, sum.RecordsSkipped)

	row, err := stores.Insights.GetDaily(ctx, "t1", "AB1", "2026-03-01", contracts.SourceManual)
	require.NoError(t, err)
	require.Equal(t, int64(1000), row.Impressions)
}

func TestImportCSVMissingColumns(t *testing.T) {
	stores := memory.New()
	im, _ := newImporter(stores)

	_, err := im.ImportCSV(context.Background(), "t1", "RUN1",
		[]byte("date,impressions,clicks\n"), ImportOptions{})
	require.ErrorIs(t, err, ErrMissingColumns)
	require.Contains(t, err.Error(), "spend")
	require.Contains(t, err.Error(), "ad_bundle_id|utm_content")
}

func TestCombineInsightsAndEvents(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")

	require.NoError(t, stores.Insights.UpsertDaily(ctx, &contracts.InsightDaily{
		AdBundleID: "AB1", TenantID: "t1", Date: "2026-03-01",
		Source: contracts.SourceManual, Impressions: 1000, Clicks: 40, Spend: 500, Conversions: 2,
	}))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, et := range []contracts.EventType{contracts.EventCTAClick, contracts.EventCTAClick, contracts.EventFormSuccess} {
		require.NoError(t, stores.Events.Insert(ctx, &contracts.Event{
			ID: ulidAt(t, i), TenantID: "t1", EventID: ulidAt(t, i+100),
			EventType: et, OccurredAt: now, RunID: "RUN1", AdBundleID: "AB1",
			ReceivedAt: now,
		}, 0))
	}

	c := NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	metrics, err := c.RunMetrics(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Len(t, metrics, 1)

	m := metrics[0]
	require.Equal(t, int64(1000), m.Impressions)
	require.Equal(t, int64(42), m.Clicks)      // 40 imported + 2 cta_click
	require.Equal(t, int64(3), m.Conversions)  // 2 imported + 1 form_success
	require.InDelta(t, 0.042, *m.CTR, 1e-9)
	require.InDelta(t, 3.0/42.0, *m.CVR, 1e-9)
	require.InDelta(t, 500.0/3.0, *m.CPA, 1e-9)
}

func TestCombineNilRatesOnZeroDenominators(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "")

	c := NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	metrics, err := c.RunMetrics(ctx, "t1", "RUN1")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	require.Nil(t, metrics[0].CTR)
	require.Nil(t, metrics[0].CVR)
	require.Nil(t, metrics[0].CPA)
}

func TestMetaSinkMapsPlatformAds(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	seedBundle(t, stores, "AB1", "meta-ad-1")

	sink := NewMetaSink(stores.Bundles, stores.Insights,
		ulid.FixedClock{T: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}, slog.Default())

	stored, unmatched, err := sink.StoreRows(ctx, "t1", "RUN1", []PlatformRow{
		{PlatformAdID: "meta-ad-1", Date: "2026-03-01", Impressions: 100, Clicks: 10, Spend: 50, Conversions: 1},
		{PlatformAdID: "meta-ad-unknown", Date: "2026-03-01", Impressions: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 1, stored)
	require.Equal(t, 1, unmatched)

	row, err := stores.Insights.GetDaily(ctx, "t1", "AB1", "2026-03-01", contracts.SourceMeta)
	require.NoError(t, err)
	require.Equal(t, int64(100), row.Impressions)
}

// ulidAt makes unique ids for fixture rows.
func ulidAt(t *testing.T, n int) string {
	t.Helper()
	id, err := ulid.NewFactory().New(time.Date(2026, 3, 1, 0, 0, 0, n, time.UTC))
	require.NoError(t, err)
	return string(id)
}
