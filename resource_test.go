package casesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCaseResource() *Resource {
	return &Resource{
		Name:     "case",
		Table:    "cases",
		Endpoint: "crimes",
		Key:      Field{Column: "crime_no", Source: "crimeNo"},
		Fields: []Field{
			{Column: "ps_code", Source: "psCode"},
			{Column: "crime_type", Source: "crimeType"},
			{Column: "created_date", Source: "createdDate", Kind: KindTime, Merge: AlwaysOverwrite},
			{Column: "modified_date", Source: "modifiedDate", Kind: KindTime, Merge: AlwaysOverwrite},
		},
		Created:  "created_date",
		Modified: "modified_date",
	}
}

func TestResourceValidate(t *testing.T) {
	require.NoError(t, testCaseResource().Validate())

	var nilResource *Resource
	require.Error(t, nilResource.Validate())

	r := testCaseResource()
	r.Name = ""
	require.Error(t, r.Validate())

	r = testCaseResource()
	r.Table = ""
	require.Error(t, r.Validate())

	r = testCaseResource()
	r.Endpoint = ""
	require.Error(t, r.Validate())

	r = testCaseResource()
	r.Key = Field{}
	require.Error(t, r.Validate())

	r = testCaseResource()
	r.Fields = append(r.Fields, Field{Column: "ps_code"})
	require.ErrorContains(t, r.Validate(), "duplicate")

	r = testCaseResource()
	r.Refs = []Ref{{Column: "ps_code"}}
	require.ErrorContains(t, r.Validate(), "Parent", "a ref without a parent descriptor is unusable")

	r = testCaseResource()
	r.Refs = []Ref{{Column: "ps_code", Parent: testCaseResource(), Repair: RepairFetch}}
	require.ErrorContains(t, r.Validate(), "ByIDPath", "RepairFetch needs an endpoint to fetch from")

	r = testCaseResource()
	r.Refs = []Ref{{Column: "not_declared", Parent: testCaseResource()}}
	require.ErrorContains(t, r.Validate(), "not declared")
}

func TestResourceColumnFor(t *testing.T) {
	r := testCaseResource()

	assert.Equal(t, "crime_no", r.columnFor("crimeNo"))
	assert.Equal(t, "ps_code", r.columnFor("psCode"))
	assert.Equal(t, "fir_status", r.columnFor("firStatus"), "unknown keys fall back to snake_case")
	assert.Equal(t, "", r.columnFor("..."), "unsafe keys map to nothing")
}

func TestResourcePolicyFor(t *testing.T) {
	r := testCaseResource()

	assert.Equal(t, PreferIncoming, r.policyFor("ps_code"))
	assert.Equal(t, AlwaysOverwrite, r.policyFor("created_date"))
	assert.Equal(t, AlwaysOverwrite, r.policyFor("modified_date"))
	assert.Equal(t, PreferIncoming, r.policyFor("some_drift_column"))
}

func TestResourceSQLTypeFor(t *testing.T) {
	r := testCaseResource()

	assert.Equal(t, "TIMESTAMP", r.sqlTypeFor("created_date"))
	assert.Equal(t, "TIMESTAMP", r.sqlTypeFor("arrest_date"), "date-like drift names hold timestamps")
	assert.Equal(t, "VARCHAR(50)", r.sqlTypeFor("officer_id"))
	assert.Equal(t, "VARCHAR(50)", r.sqlTypeFor("section_code"))
	assert.Equal(t, "VARCHAR(255)", r.sqlTypeFor("remarks"))

	r.Fields = append(r.Fields,
		Field{Column: "weight", Kind: KindFloat},
		Field{Column: "count", Kind: KindInt},
		Field{Column: "narrative", Kind: KindText},
		Field{Column: "is_closed", Kind: KindBool},
	)
	assert.Equal(t, "DOUBLE PRECISION", r.sqlTypeFor("weight"))
	assert.Equal(t, "BIGINT", r.sqlTypeFor("count"))
	assert.Equal(t, "TEXT", r.sqlTypeFor("narrative"))
	assert.Equal(t, "BOOLEAN", r.sqlTypeFor("is_closed"))
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "fir_status", snakeCase("firStatus"))
	assert.Equal(t, "crime_no", snakeCase("CrimeNo"))
	assert.Equal(t, "ps_code", snakeCase("PS_CODE"))
	assert.Equal(t, "io_name", snakeCase("IO_NAME"))
	assert.Equal(t, "already_snake", snakeCase("already_snake"))
	assert.Equal(t, "", snakeCase("123abc"), "identifiers cannot start with a digit")
	assert.Equal(t, "", snakeCase("..."))
}
