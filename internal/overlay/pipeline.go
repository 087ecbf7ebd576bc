package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/cache"
	"github.com/dunamismax/hatrack/internal/face"
	"github.com/dunamismax/hatrack/internal/geometry"
	"github.com/dunamismax/hatrack/internal/render"
)

// ErrNoFacesDetected is the terminal no-work outcome: detection ran fine and
// found nothing to decorate. It is not a processing failure.
var ErrNoFacesDetected = errors.New("no faces detected")

type Request struct {
	// Image holds fully materialized source bytes. When empty, Source is
	// called to load them, and only on a cache miss, so hits skip the
	// load entirely.
	Image    []byte
	Source   func(ctx context.Context) ([]byte, error)
	HatScale float64
	// CacheKey addresses the rendered result. Empty disables caching for
	// this request.
	CacheKey string
}

type Result struct {
	Image     []byte
	Faces     int
	FromCache bool
}

// Pipeline runs detect, measure, place, composite, encode for one request,
// short-circuited by the result cache when a key is present. Identical
// concurrent misses within this process are coalesced so only one render
// runs per key.
type Pipeline struct {
	logger   *log.Logger
	detector face.Detector
	assets   *asset.Holder
	cache    cache.Cache
	group    singleflight.Group
}

func NewPipeline(logger *log.Logger, detector face.Detector, assets *asset.Holder, resultCache cache.Cache) (*Pipeline, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if assets == nil {
		return nil, fmt.Errorf("asset holder is required")
	}
	if resultCache == nil {
		resultCache = cache.Disabled{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Pipeline{
		logger:   logger,
		detector: detector,
		assets:   assets,
		cache:    resultCache,
	}, nil
}

func (p *Pipeline) Render(ctx context.Context, req Request) (Result, error) {
	snapshot, err := p.assets.Snapshot()
	if err != nil {
		return Result{}, err
	}

	if req.CacheKey == "" {
		return p.render(ctx, req, snapshot)
	}

	entry, ok, err := p.cache.Lookup(ctx, req.CacheKey)
	if err != nil {
		// A broken cache degrades to a fresh render, it never fails the
		// request.
		p.logger.Printf("cache lookup failed key=%s err=%v", req.CacheKey, err)
	} else if ok {
		return Result{
			Image:     entry.Data,
			Faces:     cache.FacesFromMetadata(entry.Metadata),
			FromCache: true,
		}, nil
	}

	v, err, _ := p.group.Do(req.CacheKey, func() (any, error) {
		result, err := p.render(ctx, req, snapshot)
		if err != nil {
			return Result{}, err
		}

		storeErr := p.cache.Store(ctx, req.CacheKey, cache.Entry{
			Data: result.Image,
			Metadata: map[string]string{
				cache.MetaFaces: strconv.Itoa(result.Faces),
			},
		})
		if storeErr != nil {
			p.logger.Printf("cache store failed key=%s err=%v", req.CacheKey, storeErr)
		}
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Pipeline) render(ctx context.Context, req Request, snapshot *asset.Snapshot) (Result, error) {
	data := req.Image
	if len(data) == 0 && req.Source != nil {
		loaded, err := req.Source(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("load source image: %w", err)
		}
		data = loaded
	}

	base, _, err := render.Decode(data)
	if err != nil {
		return Result{}, err
	}

	raws, err := p.detector.Detect(ctx, base)
	if err != nil {
		return Result{}, fmt.Errorf("detect faces: %w", err)
	}
	if len(raws) == 0 {
		return Result{}, ErrNoFacesDetected
	}

	measurements, err := face.MeasureAll(raws)
	if err != nil {
		return Result{}, err
	}

	placements := make([]geometry.Placement, 0, len(measurements))
	for i, m := range measurements {
		placement, err := geometry.PlaceHat(m, snapshot.Positioning, snapshot.Width, snapshot.Height, req.HatScale)
		if err != nil {
			return Result{}, fmt.Errorf("place hat for face %d: %w", i, err)
		}
		placements = append(placements, placement)
	}

	composite := render.Composite(base, snapshot.Image, placements)
	encoded, err := render.Encode(composite)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Image: encoded,
		Faces: len(placements),
	}, nil
}
