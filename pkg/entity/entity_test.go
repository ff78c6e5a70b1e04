package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_Order(t *testing.T) {
	ordered := Default.Ordered()
	require.NotEmpty(t, ordered)

	pos := map[Type]int{}
	for i, d := range ordered {
		pos[d.Type] = i
	}
	for _, d := range ordered {
		if d.Parent == nil {
			continue
		}
		assert.Less(t, pos[d.Parent.Type], pos[d.Type], "%s must come after its parent", d.Type)
	}

	stages := Default.Stages()
	require.Len(t, stages, 5)
	assert.Equal(t, TypeOperators, stages[0][0].Type)
	assert.Equal(t, TypePlants, stages[1][0].Type)
	assert.Equal(t, TypeIssues, stages[2][0].Type)
	assert.Len(t, stages[3], 9)
	require.Len(t, stages[4], 2, "PCS details wait for the references that drive them")
	assert.Equal(t, TypePCSHeaders, stages[4][0].Type)
	assert.Equal(t, TypePCSTemperaturePressure, stages[4][1].Type)
}

func TestNewCatalog_RejectsUnregisteredItemSource(t *testing.T) {
	_, err := NewCatalog(Operators, Plants, PCSHeaders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item source pcs_references must be registered first")
}

func TestDescriptor_ItemPath(t *testing.T) {
	scope := Scope{PlantID: "34"}

	label, err := PCSHeaders.Endpoint(scope)
	require.NoError(t, err)
	assert.Equal(t, "plants/34/pcs/*/rev/*", label)

	assert.Equal(t, "plants/34/pcs/AA1/rev/2", PCSHeaders.ItemPath(scope, []string{"AA1", "2"}))
	assert.Equal(t, "plants/34/pcs/AA%2F1/rev/2/temp-pressures", PCSTemperaturePressure.ItemPath(scope, []string{"AA/1", "2"}))

	_, err = PCSHeaders.Endpoint(Scope{})
	assert.Error(t, err, "PCS details are fetched per plant")
}

func TestBuildItem_ItemFillsKeys(t *testing.T) {
	raw := map[string]any{
		"PCS":           "ignored",
		"Revision":      "9",
		"RatingClass":   "150",
		"DesignPress01": "19.6",
		"DesignTemp12":  json.Number("-46"),
		"SpecialReqID":  json.Number("7"),
	}

	records, err := PCSTemperaturePressure.BuildItem([]map[string]any{raw}, Scope{PlantID: "34"}, []string{"AA1", "2"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, []string{"34", "AA1", "2"}, rec.Key())
	assert.Equal(t, "150", rec.Get("rating_class").Str)
	assert.Equal(t, "19.6", rec.Get("design_press_01").Str)
	assert.Equal(t, "-46", rec.Get("design_temp_12").Str)
	assert.Equal(t, int64(7), rec.Get("special_req_id").Int)
	assert.True(t, rec.Get("design_press_02").IsNull())
	assert.Equal(t, []string{"34"}, rec.ParentKey())
}

func TestNewCatalog_RejectsUnregisteredParent(t *testing.T) {
	_, err := NewCatalog(Plants)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be registered first")
}

func TestDescriptor_Endpoint(t *testing.T) {
	tests := []struct {
		name    string
		desc    *Descriptor
		scope   Scope
		want    string
		wantErr bool
	}{
		{name: "operators", desc: Operators, want: "operators"},
		{name: "plants", desc: Plants, want: "plants"},
		{name: "plant detail", desc: Plants, scope: Scope{PlantID: "JSP2"}, want: "plants/JSP2"},
		{name: "issues", desc: Issues, scope: Scope{PlantID: "34"}, want: "plants/34/issues"},
		{name: "issues without plant", desc: Issues, wantErr: true},
		{name: "pcs", desc: PCSReferences, scope: Scope{PlantID: "34", IssueRevision: "4.2"}, want: "plants/34/issues/rev/4.2/pcs"},
		{name: "pipe elements", desc: PipeElementReferences, scope: Scope{PlantID: "34", IssueRevision: "1"}, want: "plants/34/issues/rev/1/pipe-elements"},
		{name: "reference without issue", desc: VDSReferences, scope: Scope{PlantID: "34"}, wantErr: true},
		{name: "operators scoped", desc: Operators, scope: Scope{PlantID: "34"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.desc.Endpoint(tt.scope)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_PlantNameFallback(t *testing.T) {
	raw := map[string]any{
		"PlantID":          "JSP2",
		"ShortDescription": "Johan Sverdrup",
		"OperatorID":       json.Number("1"),
		"SomethingNew":     "kept",
	}

	rec, err := Plants.Build(raw, Scope{}, 0)
	require.NoError(t, err)

	assert.Equal(t, "JSP2", rec.Get("plant_id").Str)
	assert.Equal(t, "Johan Sverdrup", rec.Get("plant_name").Str)
	assert.Equal(t, "1", rec.Get("operator_id").Str)
	assert.True(t, rec.Get("long_description").IsNull())
	assert.Equal(t, "kept", rec.Extra["SomethingNew"])
	assert.Equal(t, []string{"1"}, rec.ParentKey())
}

func TestBuild_ScopeFillsKeys(t *testing.T) {
	raw := map[string]any{"PCS": "AA1", "Revision": "2", "RevDate": "01.02.2024 10:30"}

	rec, err := PCSReferences.Build(raw, Scope{PlantID: "34", IssueRevision: "4.2"}, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"34", "4.2", "AA1", "2"}, rec.Key())
	assert.Equal(t, "34|4.2|AA1|2", rec.KeyString())
	assert.Equal(t, time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC), rec.Get("rev_date").Time)
	assert.Equal(t, []string{"34", "4.2"}, rec.ParentKey())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		desc   *Descriptor
		raw    map[string]any
		column string
	}{
		{name: "missing key", desc: Operators, raw: map[string]any{"OperatorName": "Equinor"}, column: "operator_id"},
		{name: "blank key", desc: Operators, raw: map[string]any{"OperatorID": "  "}, column: "operator_id"},
		{name: "bad date", desc: Issues, raw: map[string]any{"IssueRevision": "1", "RevDate": "yesterday"}, column: "rev_date"},
		{name: "object in string field", desc: Operators, raw: map[string]any{"OperatorID": map[string]any{"a": 1}}, column: "operator_id"},
		{name: "too long", desc: Issues, raw: map[string]any{"IssueRevision": "123456789012345678901"}, column: "issue_revision"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.desc.Build(tt.raw, Scope{PlantID: "1"}, 3)
			require.Error(t, err)

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.column, fe.Column)
			assert.Equal(t, 3, fe.Index)
		})
	}
}

func TestRecord_Fingerprint(t *testing.T) {
	a, err := Operators.Build(map[string]any{"OperatorID": 1, "OperatorName": "Equinor "}, Scope{}, 0)
	require.NoError(t, err)
	b, err := Operators.Build(map[string]any{"OperatorID": "1", "OperatorName": "equinor"}, Scope{}, 0)
	require.NoError(t, err)
	c, err := Operators.Build(map[string]any{"OperatorID": "1", "OperatorName": "Aker BP"}, Scope{}, 0)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestRecord_VolatileFieldsIgnored(t *testing.T) {
	base := map[string]any{"IssueRevision": "1", "Status": "O", "UserName": "alice"}
	other := map[string]any{"IssueRevision": "1", "Status": "O", "UserName": "bob"}

	a, err := Issues.Build(base, Scope{PlantID: "1"}, 0)
	require.NoError(t, err)
	b, err := Issues.Build(other, Scope{PlantID: "1"}, 0)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFromRow_RoundTrip(t *testing.T) {
	rec, err := Issues.Build(map[string]any{"IssueRevision": "3", "RevDate": "2024-05-01"}, Scope{PlantID: "7"}, 0)
	require.NoError(t, err)

	row := map[string]any{}
	for i, col := range Issues.Columns() {
		row[col] = rec.Args()[i]
	}
	row["rev_date"] = "2024-05-01 00:00:00+00:00"

	back, err := Issues.FromRow(row)
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint(), back.Fingerprint())
	assert.Equal(t, rec.KeyString(), back.KeyString())
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("34/4.2")
	require.NoError(t, err)
	assert.Equal(t, Scope{PlantID: "34", IssueRevision: "4.2"}, s)
	assert.Equal(t, ScopeIssue, s.Level())
	assert.Equal(t, "34/4.2", s.Key())

	s, err = ParseScope("")
	require.NoError(t, err)
	assert.True(t, s.IsZero())

	_, err = ParseScope("a/b/c")
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(json.Number("42"), FieldInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int)

	_, err = Coerce("4.5", FieldInteger)
	assert.Error(t, err)

	v, err = Coerce(json.Number("7"), FieldString)
	require.NoError(t, err)
	assert.Equal(t, "7", v.Str)

	v, err = Coerce("", FieldDate)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}
