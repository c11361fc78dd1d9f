package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/matchnow/backend/store"
)

// DataLoaderContextKey is the key used to store dataloaders in context
type DataLoaderContextKey string

const dataLoaderKey DataLoaderContextKey = "dataloader"

// ProfileLoader batches user-profile reads so fan-out call sites (cohort
// classification, chat summaries) hit the store once per request instead of
// once per uid. Loaders are request-scoped: the built-in cache must not
// outlive a request or it would serve stale profiles.
type ProfileLoader struct {
	loader *dataloader.Loader[string, *UserProfile]
}

func NewProfileLoader(st store.Store) *ProfileLoader {
	return &ProfileLoader{
		loader: dataloader.NewBatchedLoader(
			profileBatchFn(st),
			dataloader.WithWait[string, *UserProfile](4*time.Millisecond),
		),
	}
}

func profileBatchFn(st store.Store) dataloader.BatchFunc[string, *UserProfile] {
	return func(ctx context.Context, keys []string) []*dataloader.Result[*UserProfile] {
		results := make([]*dataloader.Result[*UserProfile], len(keys))

		docs, err := st.GetMany(ctx, colUsers, keys)
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result[*UserProfile]{Error: err}
			}
			return results
		}

		for i, key := range keys {
			doc, ok := docs[key]
			if !ok {
				results[i] = &dataloader.Result[*UserProfile]{Error: store.ErrNotFound}
				continue
			}
			profile := decodeUserProfile(key, doc)
			results[i] = &dataloader.Result[*UserProfile]{Data: &profile}
		}
		return results
	}
}

// Load fetches a single profile through the batcher.
func (l *ProfileLoader) Load(ctx context.Context, uid string) (*UserProfile, error) {
	return l.loader.Load(ctx, uid)()
}

// LoadExisting fetches many profiles and silently drops uids whose document
// is missing; dangling references in a voter set are not the caller's
// problem.
func (l *ProfileLoader) LoadExisting(ctx context.Context, uids []string) ([]UserProfile, error) {
	thunks := make([]func() (*UserProfile, error), len(uids))
	for i, uid := range uids {
		thunks[i] = l.loader.Load(ctx, uid)
	}

	profiles := make([]UserProfile, 0, len(uids))
	for _, thunk := range thunks {
		profile, err := thunk()
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	return profiles, nil
}

// withDataLoaders installs request-scoped loaders. Handlers pick them up
// via profileLoaderFrom, which also works without the middleware (tests,
// background callers) by building a throwaway loader.
func withDataLoaders(st store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), dataLoaderKey, NewProfileLoader(st))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func profileLoaderFrom(ctx context.Context, st store.Store) *ProfileLoader {
	if l, ok := ctx.Value(dataLoaderKey).(*ProfileLoader); ok {
		return l
	}
	return NewProfileLoader(st)
}
