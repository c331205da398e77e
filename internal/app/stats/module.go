package stats

import (
	"embed"

	"go.uber.org/fx"

	"github.com/tigerroll/logstats/pkg/pipeline/component/remote"
	"github.com/tigerroll/logstats/pkg/pipeline/core/application/usecase"
)

//go:embed queries/*.graphql
var queryFS embed.FS

// NewTemplateLoader returns a loader for the bundled query templates.
func NewTemplateLoader() remote.TemplateLoader {
	return remote.NewFSTemplateLoader(queryFS, "queries")
}

// Register makes the zone statistics job submittable through op.
func Register(op *usecase.JobOperator, job *ZoneStatsJob) {
	op.RegisterJobType(JobType, usecase.NewJobFactory(job.Run))
}

// Module provides the query templates and registers the job types of this package.
var Module = fx.Options(
	fx.Provide(NewTemplateLoader),
	fx.Provide(NewZoneStatsJob),
	fx.Invoke(Register),
)
