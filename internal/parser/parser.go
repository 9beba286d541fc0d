package parser

import (
	"github.com/maltedev/solar-panel-scraper/internal/models"
)

type Parser interface {
	Parse(listing *models.RawListing) (*models.Panel, error)
	ParseRaw(data []byte) (*models.Panel, error)
}
