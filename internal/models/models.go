package models

import (
	"strconv"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerIncPosition TriggerType = "INC_POSITION"
	TriggerIncFAReport TriggerType = "INC_FA_REPORT"
	TriggerIncFAQuery  TriggerType = "INC_FA_QUERY"
	TriggerScheduler   TriggerType = "SCHEDULER"
	TriggerManual      TriggerType = "MANUAL"
)

type FrequencyUnit string

const (
	UnitMinutes FrequencyUnit = "MINUTES"
	UnitHours   FrequencyUnit = "HOURS"
	UnitDays    FrequencyUnit = "DAYS"
)

// Duration converts a whole-number multiple of the unit. Units are fixed
// temporal lengths; there is no calendar-aware month/year arithmetic.
func (u FrequencyUnit) Duration(n int) time.Duration {
	switch u {
	case UnitMinutes:
		return time.Duration(n) * time.Minute
	case UnitHours:
		return time.Duration(n) * time.Hour
	case UnitDays:
		return time.Duration(n) * 24 * time.Hour
	default:
		return 0
	}
}

type OutgoingMessageType string

const (
	MessageNone     OutgoingMessageType = "NONE"
	MessagePosition OutgoingMessageType = "POSITION"
	MessageFAQuery  OutgoingMessageType = "FA_QUERY"
	MessageFAReport OutgoingMessageType = "FA_REPORT"
)

type AreaType string

const (
	AreaUserArea AreaType = "USERAREA"
	AreaPort     AreaType = "PORT"
	AreaEEZ      AreaType = "EEZ"
	AreaFMZ      AreaType = "FMZ"
)

// AreaCriterion identifies one geographical area a subscription watches.
type AreaCriterion struct {
	Type AreaType
	GUID string
}

func (a AreaCriterion) Key() string { return string(a.Type) + ":" + a.GUID }

type AssetCriterionType string

const (
	AssetSingle AssetCriterionType = "ASSET"
	AssetGroup  AssetCriterionType = "VGROUP"
)

type AssetCriterion struct {
	Type AssetCriterionType
	GUID string
}

func (a AssetCriterion) Key() string { return string(a.Type) + ":" + a.GUID }

// ActivityCriterion names one fishing-activity kind, e.g.
// {FLUX_FA_REPORT_TYPE, DECLARATION} or {FA_REPORT_DOCUMENT, FISHING_OPERATION}.
type ActivityCriterion struct {
	Type  string
	Value string
}

func (a ActivityCriterion) Key() string { return a.Type + ":" + a.Value }

// SenderCriterion is the organisation/endpoint/channel triple that sent the
// inbound report. A subscription configured with a sender matches only
// reports from exactly that triple.
type SenderCriterion struct {
	OrganisationID int64
	EndpointID     int64
	ChannelID      int64
}

type EmailConfig struct {
	Body           string
	IsPDF          bool
	HasAttachment  bool
	Password       string
	IsXML          bool
	ZipAttachments bool
}

// Output describes what a due execution produces.
type Output struct {
	Alert        bool
	MessageType  OutgoingMessageType
	VesselIDs    []string
	HistoryValue int
	HistoryUnit  FrequencyUnit
	Email        *EmailConfig

	SubscriberOrganisationID int64
	SubscriberEndpointID     int64
	SubscriberChannelID      int64
}

// Execution carries a subscription's scheduling configuration. Frequency,
// FrequencyUnit and TimeExpression are required together when recurrence is
// used; Frequency 0 means the subscription fires once and never repeats.
type Execution struct {
	TriggerType    TriggerType
	Immediate      bool
	Frequency      int
	FrequencyUnit  FrequencyUnit
	TimeExpression string
	DeadlineValue  int
	DeadlineUnit   FrequencyUnit
}

// Subscription is the authored rule: match these criteria, produce these
// outputs, on this cadence.
type Subscription struct {
	ID        int64
	Name      string
	Active    bool
	StartDate time.Time
	EndDate   time.Time

	Areas           []AreaCriterion
	AllowNoArea     bool
	Assets          []AssetCriterion
	StartActivities []ActivityCriterion
	StopActivities  []ActivityCriterion
	Sender          *SenderCriterion

	Output    Output
	Execution Execution
}

// ValidAt reports whether the validity window contains t.
func (s *Subscription) ValidAt(t time.Time) bool {
	return !t.Before(s.StartDate) && !t.After(s.EndDate)
}

type TriggeredStatus string

const (
	TriggeredActive   TriggeredStatus = "ACTIVE"
	TriggeredInactive TriggeredStatus = "INACTIVE"
	TriggeredStopped  TriggeredStatus = "STOPPED"
)

// TriggeredSubscription is one live occurrence of a subscription matching a
// real-world entity, typically one per (subscription, asset) pair in scope.
type TriggeredSubscription struct {
	ID             int64
	SubscriptionID int64
	Subscription   *Subscription
	Source         string
	Status         TriggeredStatus
	CreationDate   time.Time
	EffectiveFrom  time.Time
	Data           []TriggeredSubscriptionData
}

func (t *TriggeredSubscription) Active() bool { return t.Status == TriggeredActive }

// Well-known data keys. Indexed families use a prefix plus an increasing
// integer suffix and represent an ordered, growable set of correlated
// identifiers accumulated over the record's active lifetime.
const (
	DataKeyConnectID      = "connectId"
	DataKeyOccurrence     = "occurrence"
	DataPrefixMovement    = "movementGuid_"
	DataPrefixReport      = "reportId_"
	occurrenceTimeLayout  = time.RFC3339
)

type TriggeredSubscriptionData struct {
	Key   string
	Value string
}

// DataValue returns the value for a singular key, or "".
func DataValue(data []TriggeredSubscriptionData, key string) string {
	for _, d := range data {
		if d.Key == key {
			return d.Value
		}
	}
	return ""
}

// IndexedValues returns the values of an indexed family ordered by suffix.
func IndexedValues(data []TriggeredSubscriptionData, prefix string) []string {
	type entry struct {
		idx int
		val string
	}
	var entries []entry
	for _, d := range data {
		if !strings.HasPrefix(d.Key, prefix) {
			continue
		}
		idx, err := strconv.Atoi(d.Key[len(prefix):])
		if err != nil {
			continue
		}
		entries = append(entries, entry{idx: idx, val: d.Value})
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].idx > entries[j].idx; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.val)
	}
	return values
}

// NextIndex returns the next free suffix for an indexed family.
func NextIndex(data []TriggeredSubscriptionData, prefix string) int {
	next := 0
	for _, d := range data {
		if !strings.HasPrefix(d.Key, prefix) {
			continue
		}
		idx, err := strconv.Atoi(d.Key[len(prefix):])
		if err != nil {
			continue
		}
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}

// AppendIndexed appends value as the next entry of an indexed family.
// Existing entries are never mutated in place.
func (t *TriggeredSubscription) AppendIndexed(prefix string, value string) {
	key := prefix + strconv.Itoa(NextIndex(t.Data, prefix))
	t.Data = append(t.Data, TriggeredSubscriptionData{Key: key, Value: value})
}

func FormatOccurrence(t time.Time) string { return t.UTC().Format(occurrenceTimeLayout) }

func ParseOccurrence(s string) (time.Time, error) {
	return time.Parse(occurrenceTimeLayout, s)
}

type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "PENDING"
	ExecutionQueued   ExecutionStatus = "QUEUED"
	ExecutionExecuted ExecutionStatus = "EXECUTED"
	ExecutionStopped  ExecutionStatus = "STOPPED"
)

// SubscriptionExecution is one scheduled unit of output-producing work.
type SubscriptionExecution struct {
	ID                      int64
	TriggeredSubscriptionID int64
	Status                  ExecutionStatus
	CreationDate            time.Time
	RequestedTime           time.Time
	QueuedTime              *time.Time
	ExecutionTime           *time.Time
	MessageIDs              []string
}

// StopConditionCriteria describes the observed state of one asset used to
// decide whether active triggerings should stop: the areas the asset is
// currently in and the activities it just reported.
type StopConditionCriteria struct {
	ConnectID  string
	Areas      []AreaCriterion
	Activities []ActivityCriterion
}
