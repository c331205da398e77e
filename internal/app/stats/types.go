package stats

// Zone is the game zone a fight took place in.
type Zone struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Fight is one pull recorded in a report. EncounterID is zero for trash fights.
type Fight struct {
	ID          int    `json:"id"`
	EncounterID int    `json:"encounterID"`
	Name        string `json:"name"`
	Kill        bool   `json:"kill"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	Zone        Zone   `json:"gameZone"`
}

// Duration returns the fight length in milliseconds.
func (f Fight) Duration() int64 {
	if f.EndTime < f.StartTime {
		return 0
	}
	return f.EndTime - f.StartTime
}

// IsBoss reports whether the fight is an encounter.
func (f Fight) IsBoss() bool {
	return f.EncounterID != 0
}

// FightPage is one page of a report's fights.
type FightPage struct {
	Data         []Fight `json:"data"`
	HasMorePages bool    `json:"has_more_pages"`
}

// DamageEntry is one actor's damage in a fight.
type DamageEntry struct {
	Name  string  `json:"name"`
	Class string  `json:"type"`
	Total float64 `json:"total"`
}

// DamageTable is the damage-done table of a fight.
type DamageTable struct {
	TotalTime int64         `json:"totalTime"`
	Entries   []DamageEntry `json:"entries"`
}

// PlayerDamage is a player's damage summed over a zone.
type PlayerDamage struct {
	Name   string  `json:"name"`
	Class  string  `json:"class"`
	Damage float64 `json:"damage"`
	DPS    float64 `json:"dps"`
}

// ZoneStats aggregates the boss fights of one zone.
type ZoneStats struct {
	ZoneID      int            `json:"zone_id"`
	ZoneName    string         `json:"zone_name"`
	Fights      int            `json:"fights"`
	Kills       int            `json:"kills"`
	Wipes       int            `json:"wipes"`
	DurationMs  int64          `json:"duration_ms"`
	TotalDamage float64        `json:"total_damage"`
	DPS         float64        `json:"dps"`
	Players     []PlayerDamage `json:"players"`
}

// ZoneStatsResult is the outcome of a zone statistics job. FailedFights lists the fights
// whose damage could not be fetched; they are not part of Zones.
type ZoneStatsResult struct {
	ReportCode   string      `json:"report_code"`
	Zones        []ZoneStats `json:"zones"`
	FailedFights []int       `json:"failed_fights,omitempty"`
}
