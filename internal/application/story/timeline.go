package story

import (
	"context"

	"fable-weaver-api/internal/domain/entity"
)

// TimelineStats 正史事件按状态分布
type TimelineStats struct {
	Total     int `json:"total"`
	Upcoming  int `json:"upcoming"`
	Occurred  int `json:"occurred"`
	Modified  int `json:"modified"`
	Prevented int `json:"prevented"`
}

// TimelineComparison 正史时间线与故事时间线的对照视图
type TimelineComparison struct {
	Canon       []entity.TimelineEvent `json:"canon_timeline"`
	Story       []entity.TimelineEvent `json:"story_timeline"`
	Divergences []entity.Divergence    `json:"divergences"`
	Stats       TimelineStats          `json:"stats"`
}

// TimelineComparison 汇总故事对正史的改写程度
func (s *WorldStateService) TimelineComparison(ctx context.Context, storyID string) (*TimelineComparison, error) {
	ctx, span := tracer.Start(ctx, "worldstate.TimelineComparison")
	defer span.End()

	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	doc := state.Document

	cmp := &TimelineComparison{
		Canon:       doc.CanonTimeline,
		Story:       doc.StoryTimeline,
		Divergences: doc.Divergences,
	}
	if cmp.Canon == nil {
		cmp.Canon = []entity.TimelineEvent{}
	}
	if cmp.Story == nil {
		cmp.Story = []entity.TimelineEvent{}
	}
	if cmp.Divergences == nil {
		cmp.Divergences = []entity.Divergence{}
	}

	for _, ev := range cmp.Canon {
		cmp.Stats.Total++
		switch ev.Status {
		case entity.TimelineEventOccurred:
			cmp.Stats.Occurred++
		case entity.TimelineEventModified:
			cmp.Stats.Modified++
		case entity.TimelineEventPrevented:
			cmp.Stats.Prevented++
		default:
			cmp.Stats.Upcoming++
		}
	}
	return cmp, nil
}
