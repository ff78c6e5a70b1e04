package entity

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const (
	TypeOperators              Type = "operators"
	TypePlants                 Type = "plants"
	TypeIssues                 Type = "issues"
	TypePCSReferences          Type = "pcs_references"
	TypeVDSReferences          Type = "vds_references"
	TypeMDSReferences          Type = "mds_references"
	TypeEDSReferences          Type = "eds_references"
	TypeVSKReferences          Type = "vsk_references"
	TypeESKReferences          Type = "esk_references"
	TypeSCReferences           Type = "sc_references"
	TypeVSMReferences          Type = "vsm_references"
	TypePipeElementReferences  Type = "pipe_element_references"
	TypePCSHeaders             Type = "pcs_headers"
	TypePCSTemperaturePressure Type = "pcs_temperature_pressure"
)

// Catalog holds the descriptors in dependency order: a parent always precedes its children.
type Catalog struct {
	ordered []*Descriptor
	byType  map[Type]*Descriptor
}

// NewCatalog validates descriptors and checks every parent is registered before its children.
func NewCatalog(descriptors ...*Descriptor) (*Catalog, error) {
	c := &Catalog{byType: map[Type]*Descriptor{}}
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byType[d.Type]; dup {
			return nil, fmt.Errorf("entity type %s registered twice", d.Type)
		}
		if d.Parent != nil {
			parent, ok := c.byType[d.Parent.Type]
			if !ok {
				return nil, fmt.Errorf("%s: parent %s must be registered first", d.Type, d.Parent.Type)
			}
			if len(parent.KeyColumns()) != len(d.Parent.Columns) {
				return nil, fmt.Errorf("%s: parent reference does not match the %s key", d.Type, parent.Type)
			}
		}
		if d.Items != nil {
			source, ok := c.byType[d.Items.Type]
			if !ok {
				return nil, fmt.Errorf("%s: item source %s must be registered first", d.Type, d.Items.Type)
			}
			for _, col := range d.Items.Columns {
				if _, ok := source.Field(col); !ok {
					return nil, fmt.Errorf("%s: item column %q is not a %s field", d.Type, col, source.Type)
				}
			}
		}
		c.ordered = append(c.ordered, d)
		c.byType[d.Type] = d
	}
	return c, nil
}

// MustCatalog is NewCatalog for static descriptor sets.
func MustCatalog(descriptors ...*Descriptor) *Catalog {
	c, err := NewCatalog(descriptors...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Get(t Type) (*Descriptor, bool) {
	d, ok := c.byType[t]
	return d, ok
}

// Ordered returns every descriptor in dependency order.
func (c *Catalog) Ordered() []*Descriptor {
	out := make([]*Descriptor, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Stages groups descriptors by dependency depth. Types within one stage never depend on each other.
// An item source counts as a dependency, since its current rows drive the fetch.
func (c *Catalog) Stages() [][]*Descriptor {
	depth := map[Type]int{}
	deepest := 0
	for _, d := range c.ordered {
		if d.Parent != nil {
			depth[d.Type] = depth[d.Parent.Type] + 1
		}
		if d.Items != nil {
			depth[d.Type] = max(depth[d.Type], depth[d.Items.Type]+1)
		}
		deepest = max(deepest, depth[d.Type])
	}
	stages := make([][]*Descriptor, deepest+1)
	for _, d := range c.ordered {
		stages[depth[d.Type]] = append(stages[depth[d.Type]], d)
	}
	return stages
}

// Children returns the descriptors whose parent is t.
func (c *Catalog) Children(t Type) []*Descriptor {
	var out []*Descriptor
	for _, d := range c.ordered {
		if d.Parent != nil && d.Parent.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// ByLevel returns the descriptors fetched at level, in dependency order.
func (c *Catalog) ByLevel(level ScopeLevel) []*Descriptor {
	var out []*Descriptor
	for _, d := range c.ordered {
		if d.ScopeLevel == level {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.byType))
	for t := range c.byType {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func esc(s string) string {
	return url.PathEscape(s)
}

var userFields = []Field{
	{Column: "user_name", Sources: []string{"UserName"}, Type: FieldString, Volatile: true},
	{Column: "user_entry_time", Sources: []string{"UserEntryTime"}, Type: FieldDate, Volatile: true},
	{Column: "user_protected", Sources: []string{"UserProtected"}, Type: FieldString, Volatile: true},
}

var Operators = &Descriptor{
	Type:         TypeOperators,
	Table:        "operators",
	StagingTable: "stg_operators",
	ScopeLevel:   ScopeGlobal,
	Fields: []Field{
		{Column: "operator_id", Sources: []string{"OperatorID", "OperatorId"}, Type: FieldString, Key: true, Rules: "max=50"},
		{Column: "operator_name", Sources: []string{"OperatorName"}, Type: FieldString, Rules: "max=200"},
	},
	Path:         func(Scope) string { return "operators" },
	ResponsePath: "getOperator",
}

var Plants = &Descriptor{
	Type:         TypePlants,
	Table:        "plants",
	StagingTable: "stg_plants",
	ScopeLevel:   ScopeGlobal,
	Fields: []Field{
		{Column: "plant_id", Sources: []string{"PlantID", "PlantId"}, Type: FieldString, Key: true, Rules: "max=50"},
		{Column: "plant_name", Sources: []string{"PlantName", "ShortDescription"}, Type: FieldString, Rules: "max=200"},
		{Column: "short_description", Sources: []string{"ShortDescription"}, Type: FieldString},
		{Column: "long_description", Sources: []string{"LongDescription"}, Type: FieldString},
		{Column: "operator_id", Sources: []string{"OperatorID", "OperatorId"}, Type: FieldString},
		{Column: "operator_name", Sources: []string{"OperatorName"}, Type: FieldString},
		{Column: "common_lib_plant_code", Sources: []string{"CommonLibPlantCode"}, Type: FieldString},
		{Column: "initial_revision", Sources: []string{"InitialRevision"}, Type: FieldString},
		{Column: "area_id", Sources: []string{"AreaID", "AreaId"}, Type: FieldString},
		{Column: "area", Sources: []string{"Area"}, Type: FieldString},
		{Column: "category_id", Sources: []string{"CategoryID", "CategoryId"}, Type: FieldString},
		{Column: "category", Sources: []string{"Category"}, Type: FieldString},
		{Column: "document_space_link", Sources: []string{"DocumentSpaceLink"}, Type: FieldString, Volatile: true},
	},
	Parent:       &ParentRef{Type: TypeOperators, Columns: []string{"operator_id"}},
	Path:         func(Scope) string { return "plants" },
	DetailPath:   func(s Scope) string { return "plants/" + esc(s.PlantID) },
	ResponsePath: "getPlant",
}

func revisionPair(kind, source string) []Field {
	return []Field{
		{Column: kind + "_revision", Sources: []string{source + "Revision"}, Type: FieldString},
		{Column: kind + "_rev_date", Sources: []string{source + "RevDate"}, Type: FieldDate},
	}
}

func issueFields() []Field {
	fields := []Field{
		{Column: ColumnPlantID, Sources: []string{"PlantID", "PlantId"}, Type: FieldString, Key: true, FromScope: true},
		{Column: ColumnIssueRevision, Sources: []string{"IssueRevision"}, Type: FieldString, Key: true, Rules: "max=20"},
		{Column: "status", Sources: []string{"Status"}, Type: FieldString},
		{Column: "rev_date", Sources: []string{"RevDate"}, Type: FieldDate},
		{Column: "protect_status", Sources: []string{"ProtectStatus"}, Type: FieldString},
	}
	fields = append(fields, revisionPair("general", "General")...)
	for _, kind := range []string{"PCS", "EDS", "VDS", "VSK", "MDS", "ESK", "SC", "VSM"} {
		fields = append(fields, revisionPair(strings.ToLower(kind), kind)...)
	}
	return append(fields, userFields...)
}

var Issues = &Descriptor{
	Type:               TypeIssues,
	Table:              "issues",
	StagingTable:       "stg_issues",
	ScopeLevel:         ScopePlant,
	Fields:             issueFields(),
	Parent:             &ParentRef{Type: TypePlants, Columns: []string{ColumnPlantID}},
	Path:               func(s Scope) string { return "plants/" + esc(s.PlantID) + "/issues" },
	ScopeAuthoritative: true,
	ResponsePath:       "getIssueList",
}

func referenceFields(nameSources []string, extra ...Field) []Field {
	fields := []Field{
		{Column: ColumnPlantID, Sources: []string{"PlantID", "PlantId"}, Type: FieldString, Key: true, FromScope: true},
		{Column: ColumnIssueRevision, Sources: []string{"IssueRevision"}, Type: FieldString, Key: true, FromScope: true},
		{Column: "name", Sources: nameSources, Type: FieldString, Key: true, Rules: "max=100"},
		{Column: "revision", Sources: []string{"Revision"}, Type: FieldString, Key: true, Rules: "max=20"},
		{Column: "rev_date", Sources: []string{"RevDate"}, Type: FieldDate},
		{Column: "status", Sources: []string{"Status"}, Type: FieldString},
		{Column: "official_revision", Sources: []string{"OfficialRevision"}, Type: FieldString},
		{Column: "delta", Sources: []string{"Delta"}, Type: FieldString},
	}
	fields = append(fields, extra...)
	return append(fields, userFields...)
}

// reference describes an issue-scoped reference list. kind is both the endpoint segment and the
// upstream name property.
func reference(t Type, kind string, extra ...Field) *Descriptor {
	return &Descriptor{
		Type:         t,
		Table:        string(t),
		StagingTable: "stg_" + string(t),
		ScopeLevel:   ScopeIssue,
		Fields:       referenceFields([]string{kind, strings.ToLower(kind) + "Name", "Name"}, extra...),
		Parent:       &ParentRef{Type: TypeIssues, Columns: []string{ColumnPlantID, ColumnIssueRevision}},
		Path: func(s Scope) string {
			return "plants/" + esc(s.PlantID) + "/issues/rev/" + esc(s.IssueRevision) + "/" + strings.ToLower(kind)
		},
		ScopeAuthoritative: true,
	}
}

var (
	PCSReferences = reference(TypePCSReferences, "PCS")
	VDSReferences = reference(TypeVDSReferences, "VDS")
	MDSReferences = reference(TypeMDSReferences, "MDS",
		Field{Column: "area", Sources: []string{"Area"}, Type: FieldString})
	EDSReferences = reference(TypeEDSReferences, "EDS")
	VSKReferences = reference(TypeVSKReferences, "VSK")
	ESKReferences = reference(TypeESKReferences, "ESK")
	SCReferences  = reference(TypeSCReferences, "SC")
	VSMReferences = reference(TypeVSMReferences, "VSM")
)

var PipeElementReferences = &Descriptor{
	Type:         TypePipeElementReferences,
	Table:        "pipe_element_references",
	StagingTable: "stg_pipe_element_references",
	ScopeLevel:   ScopeIssue,
	Fields: append([]Field{
		{Column: ColumnPlantID, Sources: []string{"PlantID", "PlantId"}, Type: FieldString, Key: true, FromScope: true},
		{Column: ColumnIssueRevision, Sources: []string{"IssueRevision"}, Type: FieldString, Key: true, FromScope: true},
		{Column: "element_id", Sources: []string{"ElementID", "ElementId"}, Type: FieldString, Key: true},
		{Column: "element_group", Sources: []string{"ElementGroup"}, Type: FieldString},
		{Column: "dimension_standard", Sources: []string{"DimensionStandard"}, Type: FieldString},
		{Column: "product_form", Sources: []string{"ProductForm"}, Type: FieldString},
		{Column: "material_grade", Sources: []string{"MaterialGrade"}, Type: FieldString},
		{Column: "mds", Sources: []string{"MDS"}, Type: FieldString},
		{Column: "mds_revision", Sources: []string{"MDSRevision"}, Type: FieldString},
		{Column: "area", Sources: []string{"Area"}, Type: FieldString},
		{Column: "revision", Sources: []string{"Revision"}, Type: FieldString},
		{Column: "rev_date", Sources: []string{"RevDate"}, Type: FieldDate},
		{Column: "status", Sources: []string{"Status"}, Type: FieldString},
		{Column: "delta", Sources: []string{"Delta"}, Type: FieldString},
	}, userFields...),
	Parent: &ParentRef{Type: TypeIssues, Columns: []string{ColumnPlantID, ColumnIssueRevision}},
	Path: func(s Scope) string {
		return "plants/" + esc(s.PlantID) + "/issues/rev/" + esc(s.IssueRevision) + "/pipe-elements"
	},
	ScopeAuthoritative: true,
}

func pcsDetailFields(extra ...Field) []Field {
	fields := []Field{
		{Column: ColumnPlantID, Sources: []string{"PlantID", "PlantId"}, Type: FieldString, Key: true, FromScope: true},
		{Column: "pcs_name", Sources: []string{"PCS", "PCSName"}, Type: FieldString, Key: true, Rules: "max=100"},
		{Column: "pcs_revision", Sources: []string{"Revision", "PCSRevision"}, Type: FieldString, Key: true, Rules: "max=20"},
		{Column: "status", Sources: []string{"Status"}, Type: FieldString},
		{Column: "rev_date", Sources: []string{"RevDate"}, Type: FieldDate},
		{Column: "rating_class", Sources: []string{"RatingClass"}, Type: FieldString},
		{Column: "test_pressure", Sources: []string{"TestPressure"}, Type: FieldString},
		{Column: "material_group", Sources: []string{"MaterialGroup"}, Type: FieldString},
		{Column: "design_code", Sources: []string{"DesignCode"}, Type: FieldString},
		{Column: "last_update", Sources: []string{"LastUpdate"}, Type: FieldString, Volatile: true},
		{Column: "last_update_by", Sources: []string{"LastUpdateBy"}, Type: FieldString, Volatile: true},
		{Column: "approver", Sources: []string{"Approver"}, Type: FieldString},
		{Column: "notepad", Sources: []string{"Notepad"}, Type: FieldString},
		{Column: "special_req_id", Sources: []string{"SpecialReqID", "SpecialReqId"}, Type: FieldInteger},
		{Column: "tube_pcs", Sources: []string{"TubePCS"}, Type: FieldString},
		{Column: "new_vds_section", Sources: []string{"NewVDSSection"}, Type: FieldString},
	}
	return append(fields, extra...)
}

// pcsDetail describes a per-PCS detail type, loaded for every PCS revision currently referenced
// by an issue of the plant. suffix is appended to the PCS revision endpoint.
func pcsDetail(t Type, suffix string, extra ...Field) *Descriptor {
	return &Descriptor{
		Type:         t,
		Table:        string(t),
		StagingTable: "stg_" + string(t),
		ScopeLevel:   ScopePlant,
		Fields:       pcsDetailFields(extra...),
		Parent:       &ParentRef{Type: TypePlants, Columns: []string{ColumnPlantID}},
		Path: func(s Scope) string {
			return "plants/" + esc(s.PlantID) + "/pcs/*/rev/*" + suffix
		},
		Items: &ItemSource{Type: TypePCSReferences, Columns: []string{"name", "revision"}, Fields: []string{"pcs_name", "pcs_revision"}},
		ItemPath: func(s Scope, item []string) string {
			return "plants/" + esc(s.PlantID) + "/pcs/" + esc(item[0]) + "/rev/" + esc(item[1]) + suffix
		},
		ScopeAuthoritative: true,
	}
}

// matrix returns the twelve numbered columns of a temperature/pressure series. Values are kept as
// text so their precision is stored exactly.
func matrix(column, source string) []Field {
	fields := make([]Field, 0, 13)
	for i := 1; i <= 12; i++ {
		fields = append(fields, Field{Column: fmt.Sprintf("%s_%02d", column, i), Sources: []string{fmt.Sprintf("%s%02d", source, i)}, Type: FieldString})
	}
	return append(fields, Field{Column: column + "_rev_mark", Sources: []string{source + "RevMark"}, Type: FieldString})
}

func temperaturePressureFields() []Field {
	fields := []Field{
		{Column: "sc", Sources: []string{"SC"}, Type: FieldString},
		{Column: "vsm", Sources: []string{"VSM"}, Type: FieldString},
		{Column: "design_code_rev_mark", Sources: []string{"DesignCodeRevMark"}, Type: FieldString},
		{Column: "corr_allowance", Sources: []string{"CorrAllowance"}, Type: FieldString},
		{Column: "corr_allowance_rev_mark", Sources: []string{"CorrAllowanceRevMark"}, Type: FieldString},
		{Column: "long_weld_eff", Sources: []string{"LongWeldEff"}, Type: FieldString},
		{Column: "long_weld_eff_rev_mark", Sources: []string{"LongWeldEffRevMark"}, Type: FieldString},
		{Column: "wall_thk_tol", Sources: []string{"WallThkTol"}, Type: FieldString},
		{Column: "wall_thk_tol_rev_mark", Sources: []string{"WallThkTolRevMark"}, Type: FieldString},
		{Column: "service_remark", Sources: []string{"ServiceRemark"}, Type: FieldString},
		{Column: "service_remark_rev_mark", Sources: []string{"ServiceRemarkRevMark"}, Type: FieldString},
	}
	fields = append(fields, matrix("design_press", "DesignPress")...)
	fields = append(fields, matrix("design_temp", "DesignTemp")...)
	for _, note := range []struct{ column, source string }{
		{"corr_allowance", "CorrAllowance"},
		{"service_code", "ServiceCode"},
		{"wall_thk_tol", "WallThkTol"},
		{"long_weld_eff", "LongWeldEff"},
		{"general_pcs", "GeneralPCS"},
		{"design_code", "DesignCode"},
		{"press_temp_table", "PressTempTable"},
		{"pipe_size_wth_table", "PipeSizeWthTable"},
	} {
		fields = append(fields, Field{Column: "note_id_" + note.column, Sources: []string{"NoteID" + note.source}, Type: FieldString})
	}
	return append(fields,
		Field{Column: "press_element_change", Sources: []string{"PressElementChange"}, Type: FieldString},
		Field{Column: "temp_element_change", Sources: []string{"TempElementChange"}, Type: FieldString},
		Field{Column: "material_group_id", Sources: []string{"MaterialGroupID", "MaterialGroupId"}, Type: FieldInteger},
		Field{Column: "special_req", Sources: []string{"SpecialReq"}, Type: FieldString},
		Field{Column: "eds_mj_matrix", Sources: []string{"EDSMJMatrix"}, Type: FieldString},
		Field{Column: "mj_reduction_factor", Sources: []string{"MJReductionFactor"}, Type: FieldString},
	)
}

var (
	PCSHeaders             = pcsDetail(TypePCSHeaders, "")
	PCSTemperaturePressure = pcsDetail(TypePCSTemperaturePressure, "/temp-pressures", temperaturePressureFields()...)
)

// Default is the reference-data catalog synchronized by fern.
var Default = MustCatalog(
	Operators,
	Plants,
	Issues,
	PCSReferences,
	VDSReferences,
	MDSReferences,
	EDSReferences,
	VSKReferences,
	ESKReferences,
	SCReferences,
	VSMReferences,
	PipeElementReferences,
	PCSHeaders,
	PCSTemperaturePressure,
)
