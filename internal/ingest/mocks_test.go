package ingest

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

type SourceMock struct {
	mock.Mock
}

func (m *SourceMock) FetchAudio(ctx context.Context, id, destDir string) (string, error) {
	args := m.Called(ctx, id, destDir)
	return args.String(0), args.Error(1)
}

func (m *SourceMock) FetchMetadata(ctx context.Context, id string) (models.Metadata, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Metadata), args.Error(1)
}

type ProberMock struct {
	mock.Mock
}

func (m *ProberMock) Duration(ctx context.Context, path string) (int64, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(int64), args.Error(1)
}

type NormalizerMock struct {
	mock.Mock
}

func (m *NormalizerMock) NormalizeInPlace(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}
