package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/shared/logx"
)

// ManualMessage is the operator-issued trigger request. The wire form is a
// compact semicolon string: mode;subscriptionId;guid;page;pageSize, where
// mode "g" targets an asset group page and "a" a single asset's connect id.
type ManualMessage struct {
	Group          bool
	SubscriptionID int64
	GUID           string
	Page           int
	PageSize       int
}

func EncodeManual(m ManualMessage) string {
	mode := "a"
	if m.Group {
		mode = "g"
	}
	return strings.Join([]string{
		mode,
		strconv.FormatInt(m.SubscriptionID, 10),
		m.GUID,
		strconv.Itoa(m.Page),
		strconv.Itoa(m.PageSize),
	}, ";")
}

func DecodeManual(s string) (ManualMessage, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 5 {
		return ManualMessage{}, fmt.Errorf("manual message %q: want 5 fields, have %d", s, len(parts))
	}
	var m ManualMessage
	switch parts[0] {
	case "g":
		m.Group = true
	case "a":
		m.Group = false
	default:
		return ManualMessage{}, fmt.Errorf("manual message %q: unknown mode %q", s, parts[0])
	}
	var err error
	if m.SubscriptionID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return ManualMessage{}, fmt.Errorf("manual message %q: bad subscription id: %w", s, err)
	}
	m.GUID = parts[2]
	if m.Page, err = strconv.Atoi(parts[3]); err != nil {
		return ManualMessage{}, fmt.Errorf("manual message %q: bad page: %w", s, err)
	}
	if m.PageSize, err = strconv.Atoi(parts[4]); err != nil {
		return ManualMessage{}, fmt.Errorf("manual message %q: bad page size: %w", s, err)
	}
	return m, nil
}

type subscriptionGetter interface {
	Get(ctx context.Context, id int64) (*models.Subscription, error)
}

type groupLister interface {
	GroupAssets(ctx context.Context, groupGUID string, page int, pageSize int) ([]clients.AssetIdentity, error)
}

// ManualExtractor triggers a named subscription on operator request, either
// for one asset or for one page of an asset group.
type ManualExtractor struct {
	subscriptions subscriptionGetter
	assets        groupLister
	log           logx.Logger
}

func NewManualExtractor(subscriptions subscriptionGetter, assets groupLister, log logx.Logger) *ManualExtractor {
	return &ManualExtractor{subscriptions: subscriptions, assets: assets, log: log.WithComponent("trigger.manual")}
}

func (e *ManualExtractor) Source() string { return string(models.TriggerManual) }

func (e *ManualExtractor) DedupData(ts *models.TriggeredSubscription) []models.TriggeredSubscriptionData {
	return []models.TriggeredSubscriptionData{
		{Key: models.DataKeyConnectID, Value: models.DataValue(ts.Data, models.DataKeyConnectID)},
	}
}

func (e *ManualExtractor) Merge(_, _ *models.TriggeredSubscription) {}

func (e *ManualExtractor) ExtractCommands(ctx context.Context, raw []byte, _ models.SenderCriterion, receivedAt time.Time) ([]Command, error) {
	msg, err := DecodeManual(string(raw))
	if err != nil {
		return nil, err
	}

	sub, err := e.subscriptions.Get(ctx, msg.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Execution.TriggerType != models.TriggerManual {
		return nil, fmt.Errorf("subscription %d is not manually triggerable", sub.ID)
	}
	if !sub.Active || !sub.ValidAt(receivedAt) {
		return nil, errors.New("subscription inactive or outside its validity window")
	}

	connectIDs := []string{msg.GUID}
	if msg.Group {
		assets, err := e.assets.GroupAssets(ctx, msg.GUID, msg.Page, msg.PageSize)
		if err != nil {
			return nil, err
		}
		connectIDs = connectIDs[:0]
		for _, a := range assets {
			if a.ConnectID != "" {
				connectIDs = append(connectIDs, a.ConnectID)
			}
		}
	}

	commands := make([]Command, 0, len(connectIDs))
	for _, connectID := range connectIDs {
		candidate := &models.TriggeredSubscription{
			SubscriptionID: sub.ID,
			Subscription:   sub,
			Source:         e.Source(),
			Status:         models.TriggeredActive,
			CreationDate:   receivedAt,
			EffectiveFrom:  receivedAt,
			Data: []models.TriggeredSubscriptionData{
				{Key: models.DataKeyConnectID, Value: connectID},
				{Key: models.DataKeyOccurrence, Value: models.FormatOccurrence(receivedAt)},
			},
		}
		commands = append(commands, &TriggerCommand{Candidate: candidate, Dedup: e.DedupData(candidate)})
	}
	return commands, nil
}
