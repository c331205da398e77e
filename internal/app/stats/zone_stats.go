// Package stats implements the zone statistics job: it lists the boss fights of a report,
// fetches the damage table of every fight through the cached remote client and
// aggregates the results per zone.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tigerroll/logstats/pkg/pipeline/component/remote"
	"github.com/tigerroll/logstats/pkg/pipeline/core/application/usecase"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// JobType is the name the job is registered under.
const JobType = "zone_stats"

// Query template names.
const (
	QueryReportFights = "report_fights"
	QueryFightDamage  = "fight_damage"
)

const (
	defaultPageSize   = 100
	defaultTopPlayers = 10
)

// ZoneStatsParams are the parameters of a zone statistics job.
type ZoneStatsParams struct {
	model.BaseParameters
	ReportCode string `json:"report_code"`
	// ZoneID restricts the job to one zone; 0 means every zone of the report.
	ZoneID       int  `json:"zone_id"`
	TopPlayers   int  `json:"top_players"`
	PageSize     int  `json:"page_size"`
	ForceRefresh bool `json:"force_refresh"`
}

// Validate implements usecase.Validator.
func (p *ZoneStatsParams) Validate() error {
	if strings.TrimSpace(p.ReportCode) == "" {
		return errors.New("report_code is required")
	}
	if p.TopPlayers < 0 {
		return fmt.Errorf("top_players must not be negative, got %d", p.TopPlayers)
	}
	if p.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative, got %d", p.PageSize)
	}
	return nil
}

type fightsArgs struct {
	Code  string `json:"code"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

type damageArgs struct {
	Code     string `json:"code"`
	FightIDs []int  `json:"fightIDs"`
}

// ZoneStatsJob computes per-zone statistics of a report.
type ZoneStatsJob struct {
	client  *remote.Client
	workers int
}

// NewZoneStatsJob creates the job on client. jobs may be nil.
func NewZoneStatsJob(client *remote.Client, jobs *config.JobsConfig) *ZoneStatsJob {
	workers := usecase.DefaultFanOutWorkers
	if jobs != nil && jobs.FanOutWorkers > 0 {
		workers = jobs.FanOutWorkers
	}
	return &ZoneStatsJob{client: client, workers: workers}
}

// Run executes the job. Fights whose damage cannot be fetched are left out of the
// aggregate and reported through a PartialSuccessError; the job fails only when the
// fight list cannot be read or no fight at all could be processed.
func (j *ZoneStatsJob) Run(ctx context.Context, p *ZoneStatsParams, progress usecase.ProgressReporter) (*ZoneStatsResult, error) {
	fights, err := j.bossFights(ctx, p)
	if err != nil {
		return nil, err
	}
	result := &ZoneStatsResult{ReportCode: p.ReportCode, Zones: []ZoneStats{}}
	if len(fights) == 0 {
		logger.Infof("Report %s has no boss fights to aggregate.", p.ReportCode)
		return result, nil
	}
	logger.Infof("Collecting damage for %d boss fights of report %s.", len(fights), p.ReportCode)

	var done atomic.Int32
	outcomes, errs, err := usecase.FanOut(ctx, j.workers, fights, fightUnit, func(ctx context.Context, f Fight) (DamageTable, error) {
		table, err := remote.Fetch[DamageTable](ctx, j.client, remote.QueryRequest{
			QueryName:    QueryFightDamage,
			Args:         damageArgs{Code: p.ReportCode, FightIDs: []int{f.ID}},
			Partition:    p.ReportCode,
			ForceRefresh: p.ForceRefresh,
		})
		progress.ReportStep(int(done.Add(1)), len(fights))
		if err != nil && ctx.Err() == nil {
			logger.Warnf("Damage of fight %d in report %s could not be fetched: %v", f.ID, p.ReportCode, err)
		}
		return table, err
	})
	if err != nil {
		return nil, err
	}

	var collected []fightDamage
	for i, o := range outcomes {
		if o.Err != nil {
			result.FailedFights = append(result.FailedFights, fights[i].ID)
			continue
		}
		collected = append(collected, fightDamage{fight: fights[i], table: o.Value})
	}
	top := p.TopPlayers
	if top == 0 {
		top = defaultTopPlayers
	}
	result.Zones = aggregate(collected, top)

	if errs != nil {
		if len(collected) == 0 {
			return nil, fmt.Errorf("no fight of report %s could be processed: %w", p.ReportCode, errs)
		}
		return result, exception.NewPartialSuccess(result, errs)
	}
	return result, nil
}

func fightUnit(f Fight) string {
	return fmt.Sprintf("fight %d (%s)", f.ID, f.Name)
}

// bossFights pages through the report's fights and keeps the boss fights of the
// requested zone.
func (j *ZoneStatsJob) bossFights(ctx context.Context, p *ZoneStatsParams) ([]Fight, error) {
	limit := p.PageSize
	if limit == 0 {
		limit = defaultPageSize
	}
	keep := func(f Fight) bool {
		return f.IsBoss() && (p.ZoneID == 0 || f.Zone.ID == p.ZoneID)
	}
	return remote.Paginate(ctx, func(ctx context.Context, page int) ([]Fight, bool, error) {
		fp, err := remote.Fetch[FightPage](ctx, j.client, remote.QueryRequest{
			QueryName:    QueryReportFights,
			Args:         fightsArgs{Code: p.ReportCode, Page: page, Limit: limit},
			Partition:    p.ReportCode,
			ForceRefresh: p.ForceRefresh,
		})
		if err != nil {
			return nil, false, err
		}
		return fp.Data, fp.HasMorePages, nil
	}, keep, j.client.MaxPages())
}

type fightDamage struct {
	fight Fight
	table DamageTable
}

// aggregate groups fights by zone. Zones are ordered by id and players by damage, at
// most top per zone.
func aggregate(fights []fightDamage, top int) []ZoneStats {
	type zoneAcc struct {
		stats   ZoneStats
		players map[string]*PlayerDamage
	}
	zones := make(map[int]*zoneAcc)
	for _, fd := range fights {
		acc, ok := zones[fd.fight.Zone.ID]
		if !ok {
			acc = &zoneAcc{
				stats:   ZoneStats{ZoneID: fd.fight.Zone.ID, ZoneName: fd.fight.Zone.Name},
				players: make(map[string]*PlayerDamage),
			}
			zones[fd.fight.Zone.ID] = acc
		}
		acc.stats.Fights++
		if fd.fight.Kill {
			acc.stats.Kills++
		} else {
			acc.stats.Wipes++
		}
		acc.stats.DurationMs += fd.fight.Duration()
		for _, e := range fd.table.Entries {
			pd, ok := acc.players[e.Name]
			if !ok {
				pd = &PlayerDamage{Name: e.Name, Class: e.Class}
				acc.players[e.Name] = pd
			}
			pd.Damage += e.Total
			acc.stats.TotalDamage += e.Total
		}
	}

	out := make([]ZoneStats, 0, len(zones))
	for _, acc := range zones {
		s := acc.stats
		seconds := float64(s.DurationMs) / 1000
		if seconds > 0 {
			s.DPS = s.TotalDamage / seconds
		}
		s.Players = make([]PlayerDamage, 0, len(acc.players))
		for _, pd := range acc.players {
			if seconds > 0 {
				pd.DPS = pd.Damage / seconds
			}
			s.Players = append(s.Players, *pd)
		}
		sort.Slice(s.Players, func(a, b int) bool {
			if s.Players[a].Damage != s.Players[b].Damage {
				return s.Players[a].Damage > s.Players[b].Damage
			}
			return s.Players[a].Name < s.Players[b].Name
		})
		if top > 0 && len(s.Players) > top {
			s.Players = s.Players[:top]
		}
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ZoneID < out[b].ZoneID })
	return out
}
