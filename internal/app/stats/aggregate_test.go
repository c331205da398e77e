package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	zoneA := Zone{ID: 2, Name: "Molten Core"}
	zoneB := Zone{ID: 1, Name: "Onyxia's Lair"}
	fights := []fightDamage{
		{
			fight: Fight{ID: 1, EncounterID: 10, Kill: true, StartTime: 0, EndTime: 4000, Zone: zoneA},
			table: DamageTable{Entries: []DamageEntry{{Name: "Bob", Class: "Rogue", Total: 400}, {Name: "Alice", Class: "Mage", Total: 400}}},
		},
		{
			fight: Fight{ID: 2, EncounterID: 11, Kill: false, StartTime: 5000, EndTime: 9000, Zone: zoneA},
			table: DamageTable{Entries: []DamageEntry{{Name: "Carol", Class: "Hunter", Total: 100}}},
		},
		{
			fight: Fight{ID: 3, EncounterID: 12, Kill: true, StartTime: 0, EndTime: 0, Zone: zoneB},
			table: DamageTable{Entries: []DamageEntry{{Name: "Alice", Class: "Mage", Total: 50}}},
		},
	}

	zones := aggregate(fights, 2)
	require.Len(t, zones, 2)

	assert.Equal(t, 1, zones[0].ZoneID, "zones are ordered by id")
	assert.Zero(t, zones[0].DPS, "zero duration yields no rate")

	a := zones[1]
	assert.Equal(t, "Molten Core", a.ZoneName)
	assert.Equal(t, 2, a.Fights)
	assert.Equal(t, 1, a.Kills)
	assert.Equal(t, 1, a.Wipes)
	assert.EqualValues(t, 8000, a.DurationMs)
	assert.InDelta(t, 900, a.TotalDamage, 0.001)
	assert.InDelta(t, 112.5, a.DPS, 0.001)
	require.Len(t, a.Players, 2, "capped at the top two")
	assert.Equal(t, "Alice", a.Players[0].Name, "ties break by name")
	assert.Equal(t, "Bob", a.Players[1].Name)
	assert.InDelta(t, 50, a.Players[0].DPS, 0.001)
}

func TestFightDuration(t *testing.T) {
	assert.EqualValues(t, 0, Fight{StartTime: 10, EndTime: 5}.Duration())
	assert.EqualValues(t, 5, Fight{StartTime: 5, EndTime: 10}.Duration())
	assert.False(t, Fight{}.IsBoss())
}

func TestZoneStatsParams_Validate(t *testing.T) {
	assert.Error(t, (&ZoneStatsParams{}).Validate())
	assert.Error(t, (&ZoneStatsParams{ReportCode: "abc", TopPlayers: -1}).Validate())
	assert.Error(t, (&ZoneStatsParams{ReportCode: "abc", PageSize: -1}).Validate())
	assert.NoError(t, (&ZoneStatsParams{ReportCode: "abc"}).Validate())
}

func TestTemplatesAreBundled(t *testing.T) {
	loader := NewTemplateLoader()
	fightsDef, err := loader.LoadQueryTemplate(QueryReportFights)
	require.NoError(t, err)
	assert.Equal(t, "data.reportData.report.fights", fightsDef.ResultPath)
	assert.Equal(t, "fights", fightsDef.Dataset)

	damageDef, err := loader.LoadQueryTemplate(QueryFightDamage)
	require.NoError(t, err)
	assert.Equal(t, "damage", damageDef.Dataset)
	assert.Contains(t, damageDef.Query, "FightDamage")
}
