package casesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccusedResource(parent *Resource) *Resource {
	return &Resource{
		Name:     "accused",
		Table:    "accused",
		Endpoint: "accused",
		Key:      Field{Column: "accused_id", Source: "accusedId"},
		Fields: []Field{
			{Column: "crime_no", Source: "crimeNo"},
			{Column: "person_name", Source: "personName"},
			{Column: "created_date", Source: "createdDate", Kind: KindTime, Merge: AlwaysOverwrite},
			{Column: "modified_date", Source: "modifiedDate", Kind: KindTime, Merge: AlwaysOverwrite},
		},
		Refs: []Ref{{
			Column:            "crime_no",
			Parent:            parent,
			Required:          true,
			Repair:            RepairFetch,
			ByIDPath:          "crimes",
			ChildrenPath:      "crimes/accused",
			InheritTimestamps: true,
		}},
		Created:  "created_date",
		Modified: "modified_date",
	}
}

func TestTransformExtractsKeyAndRefs(t *testing.T) {
	r := testAccusedResource(testCaseResource())

	rec, err := transform(r, RawRecord{
		"accusedId":    " AC-77 ",
		"crimeNo":      "CR-1",
		"personName":   "Kiran",
		"createdDate":  "2024-03-05",
		"modifiedDate": "2024-03-06 10:00:00",
	}, nil, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "AC-77", rec.Key)
	assert.Equal(t, "AC-77", rec.Fields["accused_id"])
	assert.Equal(t, map[string]string{"crime_no": "CR-1"}, rec.Refs)

	created, ok := rec.Fields["created_date"].(time.Time)
	require.True(t, ok)
	assert.True(t, created.Equal(date(2024, 3, 5)))
}

func TestTransformRejectsOnlyMissingKey(t *testing.T) {
	r := testAccusedResource(testCaseResource())

	for _, payload := range []RawRecord{
		{},
		{"accusedId": nil, "crimeNo": "CR-1"},
		{"accusedId": "null", "crimeNo": "CR-1"},
		{"accusedId": "  ", "crimeNo": "CR-1"},
	} {
		_, err := transform(r, payload, nil, time.UTC)
		require.Error(t, err)
		fe, ok := AsFailure(err)
		require.True(t, ok)
		assert.Equal(t, ReasonMissingNaturalKey, fe.Reason)
	}
}

func TestTransformDeclaredFieldsAlwaysPresent(t *testing.T) {
	r := testAccusedResource(testCaseResource())

	// The payload omits personName and sends a sentinel for modifiedDate;
	// both must still appear as nulls so the merge rule sees the
	// upstream's full claim.
	rec, err := transform(r, RawRecord{
		"accusedId":    "AC-1",
		"crimeNo":      "CR-1",
		"createdDate":  "2024-03-05",
		"modifiedDate": "unknown",
	}, nil, time.UTC)
	require.NoError(t, err)

	name, present := rec.Fields["person_name"]
	assert.True(t, present)
	assert.Nil(t, name)

	modified, present := rec.Fields["modified_date"]
	assert.True(t, present)
	assert.Nil(t, modified)
}

func TestTransformRequiredRef(t *testing.T) {
	r := testAccusedResource(testCaseResource())

	_, err := transform(r, RawRecord{"accusedId": "AC-1", "crimeNo": ""}, nil, time.UTC)
	require.Error(t, err)
	fe, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, ReasonValidation, fe.Reason)
	assert.Equal(t, "AC-1", fe.Key)
}

func TestTransformOptionalRefBecomesNull(t *testing.T) {
	r := testAccusedResource(testCaseResource())
	r.Refs[0].Required = false

	rec, err := transform(r, RawRecord{"accusedId": "AC-1", "crimeNo": "null"}, nil, time.UTC)
	require.NoError(t, err)

	v, present := rec.Fields["crime_no"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Empty(t, rec.Refs, "an absent reference is stored as null, not resolved")
}

func TestTransformNumericKey(t *testing.T) {
	r := testCaseResource()

	rec, err := transform(r, RawRecord{"crimeNo": float64(20240031)}, nil, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "20240031", rec.Key)
}

func TestTransformDrift(t *testing.T) {
	r := testCaseResource()
	schema := &tableSchema{
		table:   r.Table,
		columns: map[string]bool{"crime_no": true, "ps_code": true, "fir_status": true, "io_name": true},
		failed:  map[string]bool{"io_name": true},
	}

	rec, err := transform(r, RawRecord{
		"crimeNo":   "CR-1",
		"firStatus": "open",
		"IO_NAME":   "Inspector Rao",
		"newField":  "x",
	}, schema, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "open", rec.Fields["fir_status"], "drift values flow once their column is known")

	_, present := rec.Fields["io_name"]
	assert.False(t, present, "parked columns drop their values for the run")

	_, present = rec.Fields["new_field"]
	assert.False(t, present, "columns the schema does not know yet carry nothing")
}

func TestTransformNilSchemaSkipsDrift(t *testing.T) {
	r := testCaseResource()

	rec, err := transform(r, RawRecord{"crimeNo": "CR-1", "firStatus": "open"}, nil, time.UTC)
	require.NoError(t, err)

	_, present := rec.Fields["fir_status"]
	assert.False(t, present, "repaired parents carry declared fields only")
}
