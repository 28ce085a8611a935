package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/feedforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

type BuildJobRepo = jobs.BuildJobRepo
type JobEventRepo = jobs.JobEventRepo

// Set is every repository the service wires.
type Set struct {
	BuildJobs BuildJobRepo
	JobEvents JobEventRepo
}

func NewSet(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		BuildJobs: jobs.NewBuildJobRepo(db, baseLog),
		JobEvents: jobs.NewJobEventRepo(db, baseLog),
	}
}
