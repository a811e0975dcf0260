package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
	"vms-subscription-engine/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("trigger-test", "test", "", "error")
}

type fakeFinder struct {
	subs     []*models.Subscription
	searches []repos.SearchCriteria
}

func (f *fakeFinder) FindTriggered(_ context.Context, c repos.SearchCriteria) ([]*models.Subscription, error) {
	f.searches = append(f.searches, c)
	return f.subs, nil
}

type fakeAssets struct {
	identities map[string]*clients.AssetIdentity
	group      []clients.AssetIdentity
}

func (f *fakeAssets) ResolveByConnectID(_ context.Context, connectID string) (*clients.AssetIdentity, error) {
	return f.identities[connectID], nil
}

func (f *fakeAssets) GroupAssets(_ context.Context, _ string, _ int, _ int) ([]clients.AssetIdentity, error) {
	return f.group, nil
}

type fakeSpatial struct {
	areas []models.AreaCriterion
	calls int
}

func (f *fakeSpatial) AreasContaining(_ context.Context, _ float64, _ float64) ([]models.AreaCriterion, error) {
	f.calls++
	return f.areas, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrFloat(f float64) *float64    { return &f }

func positionPayload(t *testing.T, reports ...movementReport) []byte {
	t.Helper()
	raw, err := json.Marshal(movementBatch{Movements: reports})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func commandKinds(commands []Command) (triggers []*TriggerCommand, stops []*StopCommand) {
	for _, c := range commands {
		switch cmd := c.(type) {
		case *TriggerCommand:
			triggers = append(triggers, cmd)
		case *StopCommand:
			stops = append(stops, cmd)
		}
	}
	return triggers, stops
}

func TestPositionExtractorInBatchDedupAppends(t *testing.T) {
	sub := &models.Subscription{ID: 1, Active: true}
	finder := &fakeFinder{subs: []*models.Subscription{sub}}
	ex := NewPositionExtractor(finder, &fakeAssets{}, &fakeSpatial{}, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t,
		movementReport{ConnectID: "c-1", MovementGUID: "m-1", PositionTime: ptrTime(occurred)},
		movementReport{ConnectID: "c-1", MovementGUID: "m-2", PositionTime: ptrTime(occurred.Add(time.Minute))},
	)
	commands, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}

	triggers, stops := commandKinds(commands)
	if len(triggers) != 1 {
		t.Fatalf("same (asset, subscription) in one batch must yield one trigger, got %d", len(triggers))
	}
	guids := models.IndexedValues(triggers[0].Candidate.Data, models.DataPrefixMovement)
	if len(guids) != 2 || guids[0] != "m-1" || guids[1] != "m-2" {
		t.Fatalf("expected appended movement guids, got %v", guids)
	}
	if len(stops) != 2 {
		t.Fatalf("one stop command per context, got %d", len(stops))
	}
}

func TestPositionExtractorSeparateAssetsStaySeparate(t *testing.T) {
	sub := &models.Subscription{ID: 1, Active: true}
	finder := &fakeFinder{subs: []*models.Subscription{sub}}
	ex := NewPositionExtractor(finder, &fakeAssets{}, &fakeSpatial{}, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t,
		movementReport{ConnectID: "c-1", MovementGUID: "m-1", PositionTime: ptrTime(occurred)},
		movementReport{ConnectID: "c-2", MovementGUID: "m-2", PositionTime: ptrTime(occurred)},
	)
	commands, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	triggers, _ := commandKinds(commands)
	if len(triggers) != 2 {
		t.Fatalf("distinct assets must each trigger, got %d", len(triggers))
	}
}

func TestPositionExtractorDropsInvalidContexts(t *testing.T) {
	finder := &fakeFinder{subs: []*models.Subscription{{ID: 1, Active: true}}}
	ex := NewPositionExtractor(finder, &fakeAssets{}, &fakeSpatial{}, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t,
		movementReport{MovementGUID: "m-1", PositionTime: ptrTime(occurred)}, // no connect id
		movementReport{ConnectID: "c-1", MovementGUID: "m-2"},               // no position time
		movementReport{ConnectID: "c-2", MovementGUID: "m-3", PositionTime: ptrTime(occurred)},
	)
	commands, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred)
	if err != nil {
		t.Fatalf("invalid contexts must not fail the batch: %v", err)
	}
	triggers, stops := commandKinds(commands)
	if len(triggers) != 1 || len(stops) != 1 {
		t.Fatalf("only the valid context should produce commands, got %d triggers %d stops", len(triggers), len(stops))
	}
}

func TestPositionExtractorStopWithoutTriggerMatch(t *testing.T) {
	finder := &fakeFinder{} // nothing matches
	ex := NewPositionExtractor(finder, &fakeAssets{}, &fakeSpatial{}, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t, movementReport{
		ConnectID: "c-1", MovementGUID: "m-1", PositionTime: ptrTime(occurred),
		Areas: []areaRef{{AreaType: "EEZ", AreaGUID: "swe"}},
	})
	commands, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	triggers, stops := commandKinds(commands)
	if len(triggers) != 0 {
		t.Fatalf("expected no triggers, got %d", len(triggers))
	}
	if len(stops) != 1 {
		t.Fatalf("stop command must accompany the context even with zero matches, got %d", len(stops))
	}
	if stops[0].Criteria.ConnectID != "c-1" || len(stops[0].Criteria.Areas) != 1 {
		t.Fatalf("stop criteria incomplete: %+v", stops[0].Criteria)
	}
}

func TestPositionExtractorSpatialEnrichment(t *testing.T) {
	finder := &fakeFinder{}
	spatial := &fakeSpatial{areas: []models.AreaCriterion{{Type: models.AreaPort, GUID: "port-1"}}}
	ex := NewPositionExtractor(finder, &fakeAssets{}, spatial, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t, movementReport{
		ConnectID: "c-1", MovementGUID: "m-1", PositionTime: ptrTime(occurred),
		Latitude: ptrFloat(57.7), Longitude: ptrFloat(11.9),
	})
	if _, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred); err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	if spatial.calls != 1 {
		t.Fatalf("unenriched position with coordinates must be located, calls=%d", spatial.calls)
	}
	if len(finder.searches) != 1 || len(finder.searches[0].Areas) != 1 || finder.searches[0].Areas[0].GUID != "port-1" {
		t.Fatalf("located areas must feed the finder, got %+v", finder.searches)
	}
}

func TestPositionExtractorAssetCriteriaIncludeGroups(t *testing.T) {
	finder := &fakeFinder{}
	assets := &fakeAssets{identities: map[string]*clients.AssetIdentity{
		"c-1": {AssetGUID: "asset-1", ConnectID: "c-1", GroupGUIDs: []string{"grp-1", "grp-2"}},
	}}
	ex := NewPositionExtractor(finder, assets, &fakeSpatial{}, testLogger())

	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	raw := positionPayload(t, movementReport{ConnectID: "c-1", MovementGUID: "m-1", PositionTime: ptrTime(occurred)})
	if _, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred); err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	got := finder.searches[0].Assets
	if len(got) != 3 || got[0].Type != models.AssetSingle || got[1].Type != models.AssetGroup {
		t.Fatalf("expected asset plus group criteria, got %+v", got)
	}
}

func TestActivityExtractorDedupAndStopCriteria(t *testing.T) {
	sub := &models.Subscription{ID: 2, Active: true}
	finder := &fakeFinder{subs: []*models.Subscription{sub}}
	ex := NewActivityExtractor(finder, &fakeAssets{}, testLogger())

	occurred := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(faReportBatch{Reports: []faReport{
		{
			ReportID: "r-1", ConnectID: "c-1", Occurrence: ptrTime(occurred),
			Activities: []activityRef{{Type: "FA_REPORT_DOCUMENT", Value: "DEPARTURE"}},
		},
		{
			ReportID: "r-2", ConnectID: "c-1", Occurrence: ptrTime(occurred.Add(time.Hour)),
			Activities: []activityRef{{Type: "FA_REPORT_DOCUMENT", Value: "ARRIVAL"}},
		},
	}})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	commands, err := ex.ExtractCommands(context.Background(), raw, models.SenderCriterion{}, occurred)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	triggers, stops := commandKinds(commands)
	if len(triggers) != 1 {
		t.Fatalf("in-batch dedup must fold same (asset, subscription), got %d", len(triggers))
	}
	reports := models.IndexedValues(triggers[0].Candidate.Data, models.DataPrefixReport)
	if len(reports) != 2 || reports[0] != "r-1" || reports[1] != "r-2" {
		t.Fatalf("expected appended report ids, got %v", reports)
	}
	if len(stops) != 2 {
		t.Fatalf("one stop per context, got %d", len(stops))
	}
	if len(stops[1].Criteria.Activities) != 1 || stops[1].Criteria.Activities[0].Value != "ARRIVAL" {
		t.Fatalf("stop criteria must carry the reported activities, got %+v", stops[1].Criteria)
	}
}

func TestActivityExtractorMergeReindexesContiguously(t *testing.T) {
	ex := NewActivityExtractor(&fakeFinder{}, &fakeAssets{}, testLogger())
	old := &models.TriggeredSubscription{Data: []models.TriggeredSubscriptionData{
		{Key: "reportId_0", Value: "r-1"},
		{Key: "reportId_3", Value: "r-2"},
	}}
	candidate := &models.TriggeredSubscription{Data: []models.TriggeredSubscriptionData{
		{Key: "reportId_0", Value: "r-9"},
	}}
	ex.Merge(old, candidate)

	got := models.IndexedValues(candidate.Data, models.DataPrefixReport)
	want := []string{"r-9", "r-1", "r-2"}
	if len(got) != len(want) {
		t.Fatalf("merged values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("merged values = %v, want %v", got, want)
		}
	}
}

type fakeLister struct {
	subs []*models.Subscription
}

func (f *fakeLister) ListScheduled(_ context.Context, _ time.Time) ([]*models.Subscription, error) {
	return f.subs, nil
}

func TestScheduledExtractorEmitsSkippingCommands(t *testing.T) {
	lister := &fakeLister{subs: []*models.Subscription{{ID: 1, Active: true}, {ID: 2, Active: true}}}
	ex := NewScheduledExtractor(lister, testLogger())

	now := time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)
	commands, err := ex.ExtractCommands(context.Background(), nil, models.SenderCriterion{}, now)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("one command per scheduled subscription, got %d", len(commands))
	}
	cmd, ok := commands[0].(*ScheduledTriggerCommand)
	if !ok {
		t.Fatalf("scheduled extractor must emit duplicate-skipping commands, got %T", commands[0])
	}
	if cmd.Candidate.Source != string(models.TriggerScheduler) {
		t.Fatalf("unexpected source %q", cmd.Candidate.Source)
	}
	if models.DataValue(cmd.Candidate.Data, models.DataKeyOccurrence) == "" {
		t.Fatal("candidate data must be seeded with the occurrence")
	}
}

type fakeGetter struct {
	sub *models.Subscription
}

func (f *fakeGetter) Get(_ context.Context, _ int64) (*models.Subscription, error) {
	return f.sub, nil
}

func manualSubscription() *models.Subscription {
	return &models.Subscription{
		ID:        500,
		Active:    true,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Execution: models.Execution{TriggerType: models.TriggerManual, Immediate: true},
	}
}

func TestManualExtractorGroupPage(t *testing.T) {
	assets := &fakeAssets{group: []clients.AssetIdentity{
		{AssetGUID: "asset-1", ConnectID: "c-1"},
		{AssetGUID: "asset-2", ConnectID: "c-2"},
		{AssetGUID: "asset-3"}, // no connect history, skipped
	}}
	ex := NewManualExtractor(&fakeGetter{sub: manualSubscription()}, assets, testLogger())

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	commands, err := ex.ExtractCommands(context.Background(), []byte("g;500;greece-guid;0;10"), models.SenderCriterion{}, now)
	if err != nil {
		t.Fatalf("ExtractCommands: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("expected one trigger per group member with a connect id, got %d", len(commands))
	}
	first := commands[0].(*TriggerCommand)
	if models.DataValue(first.Candidate.Data, models.DataKeyConnectID) != "c-1" {
		t.Fatalf("unexpected candidate data %+v", first.Candidate.Data)
	}
}

func TestManualExtractorRejectsWrongTriggerType(t *testing.T) {
	sub := manualSubscription()
	sub.Execution.TriggerType = models.TriggerIncPosition
	ex := NewManualExtractor(&fakeGetter{sub: sub}, &fakeAssets{}, testLogger())

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if _, err := ex.ExtractCommands(context.Background(), []byte("a;500;c-1;0;0"), models.SenderCriterion{}, now); err == nil {
		t.Fatal("non-manual subscription must be rejected")
	}
}

func TestManualExtractorRejectsExpiredSubscription(t *testing.T) {
	sub := manualSubscription()
	sub.EndDate = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ex := NewManualExtractor(&fakeGetter{sub: sub}, &fakeAssets{}, testLogger())

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if _, err := ex.ExtractCommands(context.Background(), []byte("a;500;c-1;0;0"), models.SenderCriterion{}, now); err == nil {
		t.Fatal("expired subscription must be rejected")
	}
}
