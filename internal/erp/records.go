package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// Entity sets exposed by the ERP query endpoint.
const (
	EntityConsultations = "Document_ТелефонныйЗвонок"
	EntityReschedules   = "InformationRegister_РегистрацияПереносаКонсультации"
	EntityRatings       = "InformationRegister_ОценкаКонсультацийПоЗаявкам"
	EntityCalls         = "InformationRegister_РегистрацияДозвона"
	EntityQueueClosures = "InformationRegister_ЗакрытиеОчередиНаКонсультанта"
	EntityConsultants   = "InformationRegister_СписокКонсультантовДляЗаявок"
)

// Fields used in server-side filters and ordering.
const (
	FieldRefKey      = "Ref_Key"
	FieldCreatedAt   = "ДатаСоздания"
	FieldScheduledAt = "ДатаКонсультации"
	FieldPeriod      = "Period"
	FieldDate        = "Дата"
)

// Appeal kinds reported in ВидОбращения.
const (
	KindConsultation = "КонсультацияИТС"
	KindQueued       = "ВОчередьНаКонсультацию"
	KindOther        = "Другое"
)

const (
	timeLayout = "2006-01-02T15:04:05"
	emptyGUID  = "00000000-0000-0000-0000-000000000000"
)

// Time is an Edm.DateTime. The ERP's zero date decodes to the zero Time.
// Zoneless values decode as UTC wall clock until Decode moves them into the ERP's zone.
type Time struct {
	time.Time
	zoneless bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTime(raw, time.UTC)
	if err != nil {
		return err
	}
	_, offsetErr := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	*t = Time{Time: parsed, zoneless: offsetErr != nil && !parsed.IsZero()}
	return nil
}

// In reads a zoneless value as wall clock in loc. Values that carried an offset are unchanged.
func (t Time) In(loc *time.Location) Time {
	if !t.zoneless || loc == nil {
		return t
	}
	w := t.Time
	return Time{Time: time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), loc)}
}

// Ptr returns nil for the zero time.
func (t Time) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ParseTime parses an Edm.DateTime in loc, returning the zero Time for empty or 0001-01-01 values.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "0001-01-01") {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	parsed, err := time.ParseInLocation(timeLayout, raw, zoneOrUTC(loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("erp time %q: %w", raw, err)
	}
	return parsed, nil
}

// FormatTime renders t in loc for a $filter datetime literal or a document field.
func FormatTime(t time.Time, loc *time.Location) string {
	return t.In(zoneOrUTC(loc)).Format(timeLayout)
}

func zoneOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// zoned is implemented by records whose timestamps need the ERP's zone.
type zoned interface {
	setZone(loc *time.Location)
}

// TimeOfDay is a working-hours bound encoded as a date-time on 0001-01-01.
type TimeOfDay struct {
	Minute int
	Set    bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil || raw == "" {
		*t = TimeOfDay{}
		return nil
	}
	parsed, err := time.Parse(timeLayout, strings.SplitN(raw, "+", 2)[0])
	if err != nil {
		return fmt.Errorf("erp time of day %q: %w", raw, err)
	}
	*t = TimeOfDay{Minute: parsed.Hour()*60 + parsed.Minute(), Set: true}
	return nil
}

// FlexInt accepts a JSON number or a numeric string.
type FlexInt struct {
	Value int
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = FlexInt{}
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("erp integer %q: %w", s, err)
	}
	*f = FlexInt{Value: n, Set: true}
	return nil
}

// CleanKey normalizes a GUID reference; the empty GUID means no reference.
func CleanKey(key string) string {
	key = strings.TrimSpace(key)
	if key == emptyGUID {
		return ""
	}
	return key
}

// ConsultationRecord is one Document_ТелефонныйЗвонок row.
type ConsultationRecord struct {
	RefKey      string `json:"Ref_Key"`
	Number      string `json:"Number"`
	ParentKey   string `json:"Parent_Key"`
	ClientKey   string `json:"Абонент_Key"`
	ManagerKey  string `json:"Менеджер_Key"`
	CreatedAt   Time   `json:"ДатаСоздания"`
	ScheduledAt Time   `json:"ДатаКонсультации"`
	EndAt       Time   `json:"Конец"`
	Kind        string `json:"ВидОбращения"`
	Denied      bool   `json:"ЗакрытоБезКонсультации"`
	CategoryKey string `json:"КатегорияВопроса_Key"`
}

// Status maps the appeal kind and end date onto a consultation status.
func (r ConsultationRecord) Status() domain.ConsultationStatus {
	if !r.EndAt.IsZero() {
		return domain.StatusClosed
	}
	switch strings.TrimSpace(r.Kind) {
	case KindConsultation:
		return domain.StatusOpen
	case KindQueued:
		return domain.StatusPending
	case KindOther:
		return domain.StatusOther
	}
	return domain.StatusNew
}

// RecordTime is the watermark time of the record.
func (r ConsultationRecord) RecordTime() time.Time { return r.CreatedAt.Time }

func (r *ConsultationRecord) setZone(loc *time.Location) {
	r.CreatedAt = r.CreatedAt.In(loc)
	r.ScheduledAt = r.ScheduledAt.In(loc)
	r.EndAt = r.EndAt.In(loc)
}

// KindForStatus maps a local status back onto an appeal kind for outbound updates.
func KindForStatus(status domain.ConsultationStatus) string {
	switch status {
	case domain.StatusOpen, domain.StatusClosed, domain.StatusResolved:
		return KindConsultation
	case domain.StatusOther, domain.StatusCancelled:
		return KindOther
	}
	return KindQueued
}

// RescheduleRecord is one reschedule register row.
type RescheduleRecord struct {
	ConsultationKey string `json:"ДокументОбращения_Key"`
	ManagerKey      string `json:"Менеджер_Key"`
	OldDate         Time   `json:"СтараяДата"`
	NewDate         Time   `json:"НоваяДата"`
	Period          Time   `json:"Period"`
}

// RecordTime is the watermark time of the record.
func (r RescheduleRecord) RecordTime() time.Time { return r.Period.Time }

func (r *RescheduleRecord) setZone(loc *time.Location) {
	r.OldDate = r.OldDate.In(loc)
	r.NewDate = r.NewDate.In(loc)
	r.Period = r.Period.In(loc)
}

// RatingRecord is one rating register row.
type RatingRecord struct {
	ConsultationKey string  `json:"Обращение_Key"`
	ManagerKey      string  `json:"Менеджер_Key"`
	Question        FlexInt `json:"НомерВопроса"`
	Score           FlexInt `json:"Оценка"`
	Period          Time    `json:"Period"`
}

// RecordTime is the watermark time of the record.
func (r RatingRecord) RecordTime() time.Time { return r.Period.Time }

func (r *RatingRecord) setZone(loc *time.Location) { r.Period = r.Period.In(loc) }

// CallRecord is one dial-attempt register row.
type CallRecord struct {
	ConsultationKey string `json:"ДокументОбращения_Key"`
	ManagerKey      string `json:"Менеджер_Key"`
	Period          Time   `json:"Period"`
}

// RecordTime is the watermark time of the record.
func (r CallRecord) RecordTime() time.Time { return r.Period.Time }

func (r *CallRecord) setZone(loc *time.Location) { r.Period = r.Period.In(loc) }

// QueueClosureRecord is one queue-closure register row.
type QueueClosureRecord struct {
	Date       Time   `json:"Дата"`
	ManagerKey string `json:"Менеджер_Key"`
	Closed     bool   `json:"Закрыт"`
}

// RecordTime is the watermark time of the record.
func (r QueueClosureRecord) RecordTime() time.Time { return r.Date.Time }

func (r *QueueClosureRecord) setZone(loc *time.Location) { r.Date = r.Date.In(loc) }

// ConsultantRecord is one consultant-limits register row.
type ConsultantRecord struct {
	ManagerKey string    `json:"Менеджер_Key"`
	Limit      FlexInt   `json:"ЛимитКонсультаций"`
	WorkStart  TimeOfDay `json:"ВремяРаботыНачало"`
	WorkEnd    TimeOfDay `json:"ВремяРаботыКонец"`
	Period     Time      `json:"Period"`
}

// RecordTime is the watermark time of the record.
func (r ConsultantRecord) RecordTime() time.Time { return r.Period.Time }

func (r *ConsultantRecord) setZone(loc *time.Location) { r.Period = r.Period.In(loc) }

// Hours returns the working window, or nil when the register leaves it unset.
func (r ConsultantRecord) Hours() *domain.WorkingHours {
	if !r.WorkStart.Set || !r.WorkEnd.Set || (r.WorkStart.Minute == 0 && r.WorkEnd.Minute == 0) {
		return nil
	}
	return &domain.WorkingHours{StartMinute: r.WorkStart.Minute, EndMinute: r.WorkEnd.Minute}
}
