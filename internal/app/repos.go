package app

import (
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/repos"
)

type Repos struct {
	Book            repos.BookRepo
	StoryUser       repos.StoryUserRepo
	AutomationRun   repos.AutomationRunRepo
	AutomationEvent repos.AutomationEventRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Book:            repos.NewBookRepo(db, log),
		StoryUser:       repos.NewStoryUserRepo(db, log),
		AutomationRun:   repos.NewAutomationRunRepo(db, log),
		AutomationEvent: repos.NewAutomationEventRepo(db, log),
	}
}
