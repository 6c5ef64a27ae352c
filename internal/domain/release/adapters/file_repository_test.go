package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

var (
	betaDev     = domain.Channel{ReleaseType: domain.ReleaseBeta, TargetBranch: "dev"}
	internalDev = domain.Channel{ReleaseType: domain.ReleaseInternal, TargetBranch: "dev"}
	baseTime    = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newRun(id string, ch domain.Channel, started time.Time) *domain.Run {
	return domain.NewRun(domain.RunID(id), ch, domain.PublishGate{ReleaseType: ch.ReleaseType},
		[]domain.StageSpec{
			{Name: "generate_release_info", Kind: domain.KindMetadata},
			{Name: "build_web", Kind: domain.KindBuild},
		}, started)
}

func TestFileRunRepository_SaveAndLoad(t *testing.T) {
	repo := NewFileRunRepository(t.TempDir())
	ctx := context.Background()

	run := newRun("run-a", betaDev, baseTime)
	require.NoError(t, run.SetMetadata(domain.ReleaseMetadata{Version: "1.2.0", VersionCode: 40}))
	require.NoError(t, run.StageFinished("build_web", domain.StageOutcome{Status: domain.StatusFailed, Err: errors.New("npm exit 1")}, baseTime))
	require.NoError(t, repo.Save(ctx, run))

	loaded, err := repo.Load(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, betaDev, loaded.Channel)
	assert.Equal(t, "1.2.0", loaded.Metadata.Version)

	s, ok := loaded.Stage("build_web")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, s.Status)
	assert.Equal(t, "npm exit 1", s.Error)
}

func TestFileRunRepository_LoadNotFound(t *testing.T) {
	repo := NewFileRunRepository(t.TempDir())

	_, err := repo.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	_, err = repo.LoadLatest(context.Background(), betaDev)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestFileRunRepository_LatestPerChannel(t *testing.T) {
	repo := NewFileRunRepository(t.TempDir())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newRun("beta-1", betaDev, baseTime)))
	require.NoError(t, repo.Save(ctx, newRun("internal-1", internalDev, baseTime.Add(time.Minute))))
	require.NoError(t, repo.Save(ctx, newRun("beta-2", betaDev, baseTime.Add(2*time.Minute))))

	latest, err := repo.LoadLatest(ctx, betaDev)
	require.NoError(t, err)
	assert.Equal(t, domain.RunID("beta-2"), latest.ID)

	latest, err = repo.LoadLatest(ctx, internalDev)
	require.NoError(t, err)
	assert.Equal(t, domain.RunID("internal-1"), latest.ID)

	ids, err := repo.List(ctx, betaDev)
	require.NoError(t, err)
	assert.Equal(t, []domain.RunID{"beta-2", "beta-1"}, ids)
}

func TestFileRunRepository_ListEmpty(t *testing.T) {
	repo := NewFileRunRepository(t.TempDir())
	ids, err := repo.List(context.Background(), betaDev)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileRunRepository_CanceledContext(t *testing.T) {
	repo := NewFileRunRepository(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.Save(ctx, newRun("x", betaDev, baseTime)), context.Canceled)
}

type recordingPublisher struct {
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.DomainEvent) error {
	p.events = append(p.events, events...)
	return errors.New("publisher errors are ignored")
}

func TestEventPublishingRepository_PublishesAfterSave(t *testing.T) {
	pub := &recordingPublisher{}
	repo := NewEventPublishingRepository(NewFileRunRepository(t.TempDir()), pub)
	ctx := context.Background()

	run := newRun("run-e", betaDev, baseTime)
	require.NoError(t, run.StageStarted("build_web", baseTime))
	require.NoError(t, repo.Save(ctx, run))

	require.Len(t, pub.events, 2)
	assert.Equal(t, "run.started", pub.events[0].EventName())
	assert.Equal(t, "stage.started", pub.events[1].EventName())

	// Saved again without changes: nothing new to publish.
	require.NoError(t, repo.Save(ctx, run))
	assert.Len(t, pub.events, 2)

	loaded, err := repo.LoadLatest(ctx, betaDev)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
}
