package flatten_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/logstats/pkg/pipeline/component/flatten"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

type damage struct {
	Total int64   `json:"total"`
	Hits  []int32 `json:"hits"`
}

type phase struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

type fight struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	BossID   uint16            `json:"boss_id"`
	Boss     bool              `json:"boss"`
	Start    time.Time         `json:"start"`
	Kill     *bool             `json:"kill"`
	Player   uuid.UUID         `json:"player"`
	Ratio    float64           `json:"ratio"`
	Raw      []byte            `json:"raw"`
	Damage   map[string]damage `json:"damage"`
	Phases   []*phase          `json:"phases"`
	Note     *string           `json:"note"`
	Secret   string            `json:"-"`
	internal int
}

func sampleFights() []fight {
	kill := true
	note := "wipe at 5%"
	start := time.Date(2024, 3, 1, 20, 15, 0, 123456789, time.UTC)
	return []fight{
		{
			ID: 1, Name: "Lucifron", BossID: 12118, Boss: true, Start: start, Kill: &kill,
			Player: uuid.MustParse("6f1c1f0e-6d8b-4cf4-a9a6-1d5b8b2a4f11"), Ratio: 0.75,
			Raw: []byte{0x01, 0x02},
			Damage: map[string]damage{
				"Ragnaros": {Total: 1000, Hits: []int32{400, 600}},
				"Magmadar": {Total: 5},
			},
			Phases: []*phase{{Name: "p1", Duration: 90 * time.Second}, nil, {Name: "p3"}},
			Note:   &note,
		},
		{
			ID: 2, Name: "Trash", Start: start.Add(time.Hour),
			Player: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
			Raw:    []byte("x"),
			Damage: map[string]damage{"Core Hound": {Total: 7, Hits: []int32{7}}},
			Phases: []*phase{{Name: "only"}},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	in := sampleFights()

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Rows)
	assert.Empty(t, table.Warnings)
	for _, c := range table.Columns {
		assert.Len(t, c.Values, table.Rows, c.Path)
	}

	var out []fight
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, in, out)
}

func TestRoundTrip_SingleValue(t *testing.T) {
	in := sampleFights()[0]

	table, err := flatten.Flatten(&in)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Rows)

	var out fight
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, in, out)
}

func TestPaths(t *testing.T) {
	type child struct{ Field string }
	type parent struct{ Child []child }
	type root struct{ Parent parent }

	table, err := flatten.Flatten(root{Parent: parent{Child: []child{{"a"}, {"b"}, {"c"}}}})
	require.NoError(t, err)

	col, ok := table.Column("Parent_Child[2]_Field")
	require.True(t, ok)
	assert.Equal(t, flatten.KindString, col.Kind)
	assert.Equal(t, []any{"c"}, col.Values)

	fights, err := flatten.Flatten(sampleFights())
	require.NoError(t, err)
	col, ok = fights.Column(`damage["Ragnaros"]_hits[1]`)
	require.True(t, ok)
	assert.Equal(t, []any{int64(600), nil}, col.Values)

	col, ok = fights.Column("start")
	require.True(t, ok)
	assert.Equal(t, flatten.KindTime, col.Kind)

	_, ok = fights.Column("Secret")
	assert.False(t, ok, "json:\"-\" fields are skipped")
	_, ok = fights.Column("internal")
	assert.False(t, ok)

	col, ok = fights.Column("note")
	require.True(t, ok)
	assert.Nil(t, col.Values[1], "nil pointer leaves are nulls")
}

func TestFlatten_UnsupportedFieldIsStoredAsString(t *testing.T) {
	type odd struct {
		Name string
		C    complex128
	}

	table, err := flatten.Flatten(odd{Name: "x", C: complex(1, 2)})
	require.NoError(t, err)
	require.Len(t, table.Warnings, 1)
	assert.True(t, exception.IsKind(table.Warnings[0], exception.KindSerialization))

	col, ok := table.Column("C")
	require.True(t, ok)
	assert.Equal(t, flatten.KindString, col.Kind)
	assert.Equal(t, []any{"(1+2i)"}, col.Values)
}

func TestFlatten_EmptyCollectionsReadBackAsNil(t *testing.T) {
	type holder struct {
		Items []int
		Meta  map[string]string
	}

	table, err := flatten.Flatten(holder{Items: []int{}, Meta: map[string]string{}})
	require.NoError(t, err)
	assert.Empty(t, table.Columns)
	assert.Equal(t, 1, table.Rows)

	var out holder
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Nil(t, out.Items)
	assert.Nil(t, out.Meta)

	table, err = flatten.Flatten([]holder{})
	require.NoError(t, err)
	assert.Zero(t, table.Rows)
}

func TestUnflatten_ConvertsStringColumns(t *testing.T) {
	type row struct {
		Count int
		Ratio float64
		On    bool
	}
	table := flatten.Table{
		Rows: 1,
		Columns: []flatten.Column{
			{Path: "Count", Kind: flatten.KindString, Values: []any{"42"}},
			{Path: "Ratio", Kind: flatten.KindString, Values: []any{"0.5"}},
			{Path: "On", Kind: flatten.KindString, Values: []any{"true"}},
		},
	}

	var out row
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, row{Count: 42, Ratio: 0.5, On: true}, out)
}

func TestUnflatten_Errors(t *testing.T) {
	var out struct{ A int }
	assert.Error(t, flatten.Unflatten(flatten.Table{}, out), "non-pointer target")

	table := flatten.Table{Rows: 1, Columns: []flatten.Column{{Path: "Missing", Kind: flatten.KindInt, Values: []any{int64(1)}}}}
	err := flatten.Unflatten(table, &out)
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.KindSerialization))

	table = flatten.Table{Rows: 1, Columns: []flatten.Column{{Path: "A", Kind: flatten.KindInt, Values: []any{int64(1) << 40}}}}
	var small struct{ A int8 }
	assert.Error(t, flatten.Unflatten(table, &small), "overflow")

	assert.Error(t, flatten.Unflatten(flatten.Table{Rows: 2}, &out), "two rows into a struct")
}

func TestFlatten_TopLevelUnsupported(t *testing.T) {
	_, err := flatten.Flatten(make(chan int))
	assert.True(t, exception.IsKind(err, exception.KindSerialization))
}

func TestRoundTrip_TimeRange(t *testing.T) {
	type stamp struct {
		At time.Time  `json:"at"`
		Ptr *time.Time `json:"ptr"`
	}
	far := time.Date(12000, 6, 1, 0, 0, 0, 7, time.UTC)
	in := []stamp{
		{At: time.Time{}},
		{At: time.Date(1500, 1, 2, 3, 4, 5, 6, time.UTC)},
		{At: time.Date(3000, 12, 31, 23, 59, 59, 999999999, time.UTC), Ptr: &far},
		{At: time.Date(-44, 3, 15, 12, 0, 0, 1, time.UTC)},
		{At: time.Date(2024, 3, 1, 20, 15, 0, 0, time.UTC)},
	}

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	col, ok := table.Column("at")
	require.True(t, ok)
	assert.Equal(t, flatten.KindTime, col.Kind)
	assert.Equal(t, "0001-01-01T00:00:00Z", col.Values[0])

	var out []stamp
	require.NoError(t, flatten.Unflatten(table, &out))
	require.Len(t, out, len(in))
	for i := range in {
		assert.True(t, in[i].At.Equal(out[i].At), "row %d: want %s, got %s", i, in[i].At, out[i].At)
	}
	assert.True(t, out[0].At.IsZero())
	require.NotNil(t, out[2].Ptr)
	assert.True(t, far.Equal(*out[2].Ptr))
	assert.Equal(t, in, out)
}

func TestUnflatten_ReadsUnixNanoTimes(t *testing.T) {
	want := time.Date(2024, 3, 1, 20, 15, 0, 123, time.UTC)
	table := flatten.Table{Rows: 1, Columns: []flatten.Column{{Path: "At", Kind: flatten.KindTime, Values: []any{want.UnixNano()}}}}

	var out struct{ At time.Time }
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, want, out.At)
}

func TestFlatten_RejectsPathCollision(t *testing.T) {
	type inner struct {
		C string `json:"c"`
	}
	type shadowed struct {
		BC string `json:"b_c"`
	}
	type clash struct {
		A  shadowed `json:"a"`
		AB inner    `json:"a_b"`
	}

	_, err := flatten.Flatten(clash{A: shadowed{BC: "one"}, AB: inner{C: "two"}})
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.KindSerialization))
	assert.Contains(t, err.Error(), "a_b_c")
}

func TestRoundTrip_UnderscoreNamesResolveToReachableField(t *testing.T) {
	type other struct {
		D string `json:"d"`
	}
	type shadowed struct {
		BC string `json:"b_c"`
	}
	type mixed struct {
		A  shadowed `json:"a"`
		AB other    `json:"a_b"`
	}
	in := mixed{A: shadowed{BC: "one"}, AB: other{D: "two"}}

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	_, ok := table.Column("a_b_c")
	require.True(t, ok)

	var out mixed
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, in, out)
}

func TestRoundTrip_ScalarMapKeys(t *testing.T) {
	type keyed struct {
		ByID    map[int64]string  `json:"by_id"`
		ByFlag  map[bool]int      `json:"by_flag"`
		ByRatio map[float64]uint8 `json:"by_ratio"`
	}
	in := keyed{
		ByID:    map[int64]string{-3: "neg", 12118: "Lucifron"},
		ByFlag:  map[bool]int{true: 1, false: 0},
		ByRatio: map[float64]uint8{0.25: 1, 1.5: 2},
	}

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	assert.Empty(t, table.Warnings)
	_, ok := table.Column(`by_id["12118"]`)
	assert.True(t, ok)

	var out keyed
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, in, out)
}

func TestFlatten_SkipsMapsWithUnaddressableKeys(t *testing.T) {
	type point struct{ X, Y int }
	type grid struct {
		Name  string           `json:"name"`
		Cells map[point]string `json:"cells"`
	}

	table, err := flatten.Flatten(grid{Name: "g", Cells: map[point]string{{1, 2}: "a"}})
	require.NoError(t, err)
	require.Len(t, table.Warnings, 1)
	assert.True(t, exception.IsKind(table.Warnings[0], exception.KindSerialization))
	require.Len(t, table.Columns, 1)
	assert.Equal(t, "name", table.Columns[0].Path)

	var out grid
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, grid{Name: "g"}, out)
}

func TestRoundTrip_InterfaceKeepsNumericType(t *testing.T) {
	type loose struct {
		Small any `json:"small"`
		Count any `json:"count"`
		Big   any `json:"big"`
		Ratio any `json:"ratio"`
		Exact any `json:"exact"`
	}
	in := loose{Small: int8(-4), Count: 7, Big: uint64(1) << 63, Ratio: float32(0.5), Exact: 2.25}

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	col, ok := table.Column("small")
	require.True(t, ok)
	assert.Equal(t, flatten.KindInt8, col.Kind)
	assert.Equal(t, flatten.KindInt, col.Kind.Family())

	var out loose
	require.NoError(t, flatten.Unflatten(table, &out))
	assert.Equal(t, in, out)
}
