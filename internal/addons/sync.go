package addons

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cache"
	"github.com/keithlinneman/linnemanlabs-addons/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-addons/internal/remote"
	"github.com/keithlinneman/linnemanlabs-addons/internal/task"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// SyncListing refreshes the catalog from every configured folder and removes
// cache entries no longer listed. A listing younger than the listing TTL is
// kept unless force is set. Nothing is removed unless every folder listed
// successfully. Returns the evicted paths.
func (s *Service) SyncListing(ctx context.Context, force bool) ([]string, error) {
	if len(s.folders) == 0 {
		return nil, nil
	}
	if !force && s.catalog.Fresh(time.Now(), s.ttls.For(cache.KindListing)) {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "addons.SyncListing", trace.WithAttributes(attribute.Int("addon.folders", len(s.folders))))
	defer span.End()

	folders := make(map[string][]string, len(s.folders))
	for _, folder := range s.folders {
		if s.limiter != nil && !s.limiter.TryAcquire() {
			if _, ok := s.catalog.Get(); ok {
				s.logger.Debug(ctx, "listing refresh rate limited, keeping current catalog")
				return nil, nil
			}
			return nil, xerrors.Markf(xerrors.ErrRateLimited, "list %s: local call budget exhausted", folder)
		}
		keys, err := s.list(ctx, folder)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, xerrors.Label(err))
			s.logger.Warn(ctx, "listing refresh failed, keeping current catalog",
				"folder", folder,
				"class", xerrors.Label(err),
				"error", err.Error(),
			)
			return nil, err
		}
		folders[folder] = keys
	}

	s.catalog.Set(catalog.Snapshot{Folders: folders, LoadedAt: time.Now().UTC()})
	valid := s.catalog.Keys()
	removed := s.cache.Invalidate(ctx, valid)

	span.SetAttributes(
		attribute.Int("addon.listed", len(valid)),
		attribute.Int("addon.evicted", len(removed)),
	)
	s.logger.Info(ctx, "extension listing refreshed",
		"listed", len(valid),
		"evicted", len(removed),
	)
	return removed, nil
}

// list runs one folder listing on the executor with a bounded wait.
func (s *Service) list(ctx context.Context, folder string) ([]string, error) {
	parent := trace.SpanFromContext(ctx)
	f := task.Submit(s.exec, "list "+folder, func(wctx context.Context) ([]string, error) {
		wctx, cancel := context.WithTimeout(trace.ContextWithSpan(wctx, parent), s.timeout)
		defer cancel()
		return s.source.List(wctx, folder)
	})
	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	keys, err := f.AwaitContext(actx)
	if errors.Is(err, xerrors.ErrTimeout) && s.metrics != nil {
		s.metrics.IncFetchTimeout(remote.EndpointList)
	}
	return keys, err
}
