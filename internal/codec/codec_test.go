package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/model"
)

func sampleRecord() *model.Record {
	now := time.Date(2026, 6, 1, 12, 30, 0, 123, time.UTC)
	id := int64(555)
	photoID := int64(9001)

	r := model.NewRecord("A", map[string]any{
		"species_guess": "Cypripedium calceolus",
		"latitude":      61.5,
		"tags":          []any{"bog", "north"},
	}, now)
	r.InatID = &id
	r.Photos = []model.PhotoRef{
		{UUID: "p1", ObservationUUID: "A", LocalBlobKey: "p1", MIMEType: "image/jpeg", UploadState: model.PhotoDone, RemotePhotoID: &photoID, RemoteURL: "https://static.example/p1.jpg"},
		{UUID: "p2", ObservationUUID: "A", LocalBlobKey: "p2", MIMEType: "image/png", UploadState: model.PhotoCompressed},
	}
	r.Meta.RecordState = model.StatePendingSync
	r.Meta.OutstandingActions = []model.Action{{Kind: model.ActionAddPhoto, Target: "p2"}}
	r.Meta.Errors = []model.ErrorEntry{{At: now, Action: "addPhoto:p2", Category: "network", Message: "timeout", Retriable: true}}
	r.Meta.RetryCount = 1
	r.Meta.NextAttemptAt = now.Add(time.Minute)
	return r
}

func TestRecordRoundTripIsDeepEqual(t *testing.T) {
	t.Parallel()

	orig := sampleRecord()
	data, err := EncodeRecord(orig)
	require.NoError(t, err)

	got, err := DecodeRecord("A", data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
	assert.NotSame(t, orig, got)
	assert.NotSame(t, orig.InatID, got.InatID)
}

func TestDecodeReturnsIndependentValues(t *testing.T) {
	t.Parallel()

	data, err := EncodeRecord(sampleRecord())
	require.NoError(t, err)

	first, err := DecodeRecord("A", data)
	require.NoError(t, err)
	first.Fields["species_guess"] = "changed"
	first.Fields["tags"].([]any)[0] = "changed"

	second, err := DecodeRecord("A", data)
	require.NoError(t, err)
	assert.Equal(t, "Cypripedium calceolus", second.Fields["species_guess"])
	assert.Equal(t, "bog", second.Fields["tags"].([]any)[0])
}

func TestDecodeLegacyStringActions(t *testing.T) {
	t.Parallel()

	legacy := []byte(`{"v":1,"u":"L","f":{"name":"Orchid"},"p":[],"m":{"s":"PendingSync","a":["create","addPhoto"],"e":[],"r":0}}`)

	r, err := DecodeRecord("L", legacy)
	require.NoError(t, err)
	assert.Equal(t, 1, r.SchemaVersion)
	assert.Equal(t, []model.Action{{Kind: model.ActionCreate}, {Kind: model.ActionAddPhoto}}, r.Meta.OutstandingActions)
	assert.Error(t, r.CheckMutable())
}

func TestDecodeMalformedIsStorageError(t *testing.T) {
	t.Parallel()

	for name, data := range map[string][]byte{
		"not json":     []byte("{oops"),
		"missing uuid": []byte(`{"v":2,"f":{}}`),
		"bad action":   []byte(`{"v":2,"u":"A","m":{"a":[42]}}`),
	} {
		_, err := DecodeRecord("k", data)
		require.Error(t, err, name)
		assert.True(t, errors.IsCategory(err, errors.CategoryStorage), name)
	}
}

func TestEncodeNilRecord(t *testing.T) {
	t.Parallel()

	_, err := EncodeRecord(nil)
	assert.Error(t, err)
}

const taxaFixture = `{
  "version": 3,
  "taxa": [
    [47217, "Orchis mascula", "Early-purple Orchid", "species"],
    [52856, "Épipactis helleborine", "Broad-leaved Helleborine"],
    [47218, "Orchis"]
  ]
}`

func TestDecodeTaxaAndLookup(t *testing.T) {
	t.Parallel()

	idx, err := DecodeTaxa([]byte(taxaFixture))
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx.Version())
	assert.Equal(t, 3, idx.Len())

	taxon, ok := idx.Lookup("  orchis   MASCULA ")
	require.True(t, ok)
	assert.Equal(t, int64(47217), taxon.ID)
	assert.Equal(t, "species", taxon.Rank)

	taxon, ok = idx.Lookup("epipactis helleborine")
	require.True(t, ok)
	assert.Equal(t, int64(52856), taxon.ID)

	taxon, ok = idx.Lookup("early-purple orchid")
	require.True(t, ok)
	assert.Equal(t, "Orchis mascula", taxon.Name)

	_, ok = idx.ByID(47218)
	assert.True(t, ok)

	_, ok = idx.Lookup("Dactylorhiza")
	assert.False(t, ok)
}

func TestDecodeTaxaRejectsBadRows(t *testing.T) {
	t.Parallel()

	_, err := DecodeTaxa([]byte(`{"version":1,"taxa":[["x","Orchis"]]}`))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))

	_, err = DecodeTaxa([]byte(`{"taxa":[]}`))
	assert.Error(t, err)
}
