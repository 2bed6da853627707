package mockarchiver

import (
	"context"

	"github.com/stretchr/testify/mock"

	"analytics-engine/internal/archive"
	"analytics-engine/internal/model"
)

type Archiver struct {
	mock.Mock
}

// Interface compliance check
var _ archive.Archiver = &Archiver{}

func (m *Archiver) Export(ctx context.Context, rows []model.Analytics, destination string, compress bool) error {
	args := m.Called(ctx, rows, destination, compress)
	return args.Error(0)
}
