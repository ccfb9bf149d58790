package story

import (
	"context"
	"sync"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
)

// ---- 内存仓储，缺失记录返回 (nil, nil)，与持久化层语义一致 ----

type fakeStoryRepo struct {
	mu      sync.Mutex
	stories map[string]*entity.Story
}

func newFakeStoryRepo() *fakeStoryRepo {
	return &fakeStoryRepo{stories: map[string]*entity.Story{}}
}

func (r *fakeStoryRepo) Create(_ context.Context, s *entity.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.stories[s.ID] = &cp
	return nil
}

func (r *fakeStoryRepo) GetByID(_ context.Context, id string) (*entity.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeStoryRepo) Update(_ context.Context, s *entity.Story) error {
	return r.Create(context.Background(), s)
}

func (r *fakeStoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stories, id)
	return nil
}

func (r *fakeStoryRepo) List(_ context.Context, p repository.Pagination) (*repository.PagedResult[*entity.Story], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*entity.Story, 0, len(r.stories))
	for _, s := range r.stories {
		cp := *s
		all = append(all, &cp)
	}
	return repository.NewPagedResult(all, int64(len(all)), p), nil
}

func (r *fakeStoryRepo) ListChildren(_ context.Context, parentID string) ([]*entity.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Story
	for _, s := range r.stories {
		if s.ParentStoryID != nil && *s.ParentStoryID == parentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeChapterRepo struct {
	mu       sync.Mutex
	chapters map[string][]*entity.Chapter
}

func newFakeChapterRepo() *fakeChapterRepo {
	return &fakeChapterRepo{chapters: map[string][]*entity.Chapter{}}
}

func (r *fakeChapterRepo) Create(_ context.Context, ch *entity.Chapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ch
	r.chapters[ch.StoryID] = append(r.chapters[ch.StoryID], &cp)
	return nil
}

func (r *fakeChapterRepo) GetByID(_ context.Context, id string) (*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.chapters {
		for _, ch := range list {
			if ch.ID == id {
				cp := *ch
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (r *fakeChapterRepo) ListByStory(_ context.Context, storyID string) ([]*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Chapter, 0, len(r.chapters[storyID]))
	for _, ch := range r.chapters[storyID] {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeChapterRepo) GetLast(_ context.Context, storyID string) (*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chapters[storyID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (r *fakeChapterRepo) CountByStory(_ context.Context, storyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chapters[storyID]), nil
}

func (r *fakeChapterRepo) NextSeq(_ context.Context, storyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chapters[storyID]
	if len(list) == 0 {
		return 1, nil
	}
	return list[len(list)-1].Seq + 1, nil
}

func (r *fakeChapterRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for storyID, list := range r.chapters {
		for i, ch := range list {
			if ch.ID == id {
				list = append(list[:i], list[i+1:]...)
				for j := i; j < len(list); j++ {
					list[j].Seq = j + 1
				}
				r.chapters[storyID] = list
				return nil
			}
		}
	}
	return nil
}

type fakeWorldStateRepo struct {
	mu     sync.Mutex
	states map[string]*entity.WorldState
}

func newFakeWorldStateRepo() *fakeWorldStateRepo {
	return &fakeWorldStateRepo{states: map[string]*entity.WorldState{}}
}

func (r *fakeWorldStateRepo) Create(_ context.Context, st *entity.WorldState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	cp.Document = st.Document.Clone()
	r.states[st.StoryID] = &cp
	return nil
}

func (r *fakeWorldStateRepo) GetByStory(_ context.Context, storyID string) (*entity.WorldState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[storyID]
	if !ok {
		return nil, nil
	}
	cp := *st
	cp.Document = st.Document.Clone()
	return &cp, nil
}

func (r *fakeWorldStateRepo) Save(_ context.Context, st *entity.WorldState) error {
	return r.Create(context.Background(), st)
}

type fakeSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[string]map[string]*entity.WorldStateSnapshot // storyID → name → snapshot
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{snapshots: map[string]map[string]*entity.WorldStateSnapshot{}}
}

func (r *fakeSnapshotRepo) Save(_ context.Context, snap *entity.WorldStateSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshots[snap.StoryID] == nil {
		r.snapshots[snap.StoryID] = map[string]*entity.WorldStateSnapshot{}
	}
	cp := *snap
	r.snapshots[snap.StoryID][snap.Name] = &cp
	return nil
}

func (r *fakeSnapshotRepo) GetByName(_ context.Context, storyID, name string) (*entity.WorldStateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[storyID][name]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (r *fakeSnapshotRepo) ListByStory(_ context.Context, storyID string) ([]*entity.WorldStateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.WorldStateSnapshot
	for _, snap := range r.snapshots[storyID] {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeSnapshotRepo) Delete(_ context.Context, storyID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots[storyID], name)
	return nil
}

type fakeTx struct{}

func (fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeGuard 可编程的回合占用查询
type fakeGuard struct {
	mu         sync.Mutex
	processing map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{processing: map[string]bool{}}
}

func (g *fakeGuard) Processing(storyID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing[storyID]
}

func (g *fakeGuard) set(storyID string, v bool) {
	g.mu.Lock()
	g.processing[storyID] = v
	g.mu.Unlock()
}
