package erp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

const refKey = "8c1f3b8e-3a51-11ef-b7d4-005056b9c2a1"

func TestDecodeConsultation(t *testing.T) {
	raw := json.RawMessage(`{
		"Ref_Key": "` + refKey + `",
		"Number": "00042",
		"Менеджер_Key": "00000000-0000-0000-0000-000000000000",
		"ДатаСоздания": "2025-03-01T09:15:00",
		"ДатаКонсультации": "0001-01-01T00:00:00",
		"Конец": "0001-01-01T00:00:00",
		"ВидОбращения": "ВОчередьНаКонсультацию",
		"ЗакрытоБезКонсультации": false
	}`)
	rec, err := Decode[ConsultationRecord](EntityConsultations, raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.RefKey != refKey || rec.Number != "00042" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if CleanKey(rec.ManagerKey) != "" {
		t.Fatal("empty guid must clean to empty key")
	}
	if rec.ScheduledAt.Ptr() != nil || !rec.EndAt.IsZero() {
		t.Fatal("zero dates must decode to null")
	}
	if !rec.RecordTime().Equal(time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)) {
		t.Fatalf("record time = %s", rec.RecordTime())
	}
	if rec.Status() != domain.StatusPending {
		t.Fatalf("status = %s", rec.Status())
	}
}

func TestDecodeQuarantinesMalformedRecords(t *testing.T) {
	cases := map[string]string{
		"missing key":   `{"ДатаСоздания": "2025-03-01T09:15:00"}`,
		"bad guid":      `{"Ref_Key": "nope", "ДатаСоздания": "2025-03-01T09:15:00"}`,
		"bad date":      `{"Ref_Key": "` + refKey + `", "ДатаСоздания": "yesterday"}`,
		"wrong type":    `{"Ref_Key": "` + refKey + `", "ДатаСоздания": "2025-03-01T09:15:00", "ЗакрытоБезКонсультации": "no"}`,
		"not an object": `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[ConsultationRecord](EntityConsultations, json.RawMessage(raw), nil)
			if !errors.Is(err, ErrQuarantined) {
				t.Fatalf("expected quarantine, got %v", err)
			}
		})
	}
}

func TestConsultationStatusMapping(t *testing.T) {
	end := Time{Time: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	cases := []struct {
		rec  ConsultationRecord
		want domain.ConsultationStatus
	}{
		{ConsultationRecord{Kind: KindConsultation}, domain.StatusOpen},
		{ConsultationRecord{Kind: KindQueued}, domain.StatusPending},
		{ConsultationRecord{Kind: KindOther}, domain.StatusOther},
		{ConsultationRecord{Kind: ""}, domain.StatusNew},
		{ConsultationRecord{Kind: KindQueued, EndAt: end}, domain.StatusClosed},
	}
	for _, tc := range cases {
		if got := tc.rec.Status(); got != tc.want {
			t.Fatalf("kind %q end %v: got %s, want %s", tc.rec.Kind, tc.rec.EndAt, got, tc.want)
		}
	}
	kinds := map[domain.ConsultationStatus]string{
		domain.StatusPending:   KindQueued,
		domain.StatusNew:       KindQueued,
		domain.StatusOpen:      KindConsultation,
		domain.StatusClosed:    KindConsultation,
		domain.StatusResolved:  KindConsultation,
		domain.StatusOther:     KindOther,
		domain.StatusCancelled: KindOther,
	}
	for status, want := range kinds {
		if got := KindForStatus(status); got != want {
			t.Fatalf("KindForStatus(%s) = %q, want %q", status, got, want)
		}
	}
}

func TestDecodeReadsTimestampsInLocation(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	raw := json.RawMessage(`{
		"Ref_Key": "` + refKey + `",
		"ДатаСоздания": "2025-03-01T09:15:00",
		"ДатаКонсультации": "2025-03-02T10:00:00Z",
		"Конец": "0001-01-01T00:00:00"
	}`)
	rec, err := Decode[ConsultationRecord](EntityConsultations, raw, loc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := time.Date(2025, 3, 1, 6, 15, 0, 0, time.UTC); !rec.RecordTime().Equal(want) {
		t.Fatalf("record time = %s, want %s", rec.RecordTime(), want)
	}
	if want := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC); !rec.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled = %s, want %s", rec.ScheduledAt.Time, want)
	}
	if rec.EndAt.Ptr() != nil {
		t.Fatalf("zero end date decoded as %s", rec.EndAt.Time)
	}

	utc, err := Decode[ConsultationRecord](EntityConsultations, raw, nil)
	if err != nil {
		t.Fatalf("decode utc: %v", err)
	}
	if !utc.RecordTime().Equal(time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)) {
		t.Fatalf("utc record time = %s", utc.RecordTime())
	}

	if got := Since(FieldPeriod, time.Date(2025, 3, 1, 6, 15, 0, 0, time.UTC), loc); got != "Period ge datetime'2025-03-01T09:15:00'" {
		t.Fatalf("since = %q", got)
	}
}

func TestDecodeConsultantRecord(t *testing.T) {
	raw := json.RawMessage(`{
		"Менеджер_Key": "` + refKey + `",
		"ЛимитКонсультаций": "7",
		"ВремяРаботыНачало": "0001-01-01T09:00:00",
		"ВремяРаботыКонец": "0001-01-01T18:30:00",
		"Period": "2025-02-01T00:00:00"
	}`)
	rec, err := Decode[ConsultantRecord](EntityConsultants, raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.Limit.Set || rec.Limit.Value != 7 {
		t.Fatalf("limit = %+v", rec.Limit)
	}
	hours := rec.Hours()
	if hours == nil || hours.StartMinute != 9*60 || hours.EndMinute != 18*60+30 {
		t.Fatalf("hours = %+v", hours)
	}
}

func TestDecodeRatingAcceptsNumericStrings(t *testing.T) {
	raw := json.RawMessage(`{
		"Обращение_Key": "` + refKey + `",
		"Менеджер_Key": "m1",
		"НомерВопроса": "2",
		"Оценка": 5,
		"Period": "2025-03-01T11:00:00"
	}`)
	rec, err := Decode[RatingRecord](EntityRatings, raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Question.Value != 2 || rec.Score.Value != 5 {
		t.Fatalf("rating = %+v", rec)
	}
}

func TestQueryBuilders(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	today := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	want := "(ДатаСоздания ge datetime'2025-03-01T00:00:00' or ДатаКонсультации ge datetime'2025-03-08T00:00:00')"
	if got := ConsultationsSince(from, today, time.UTC); got != want {
		t.Fatalf("got %q", got)
	}
	if got := RefKeysIn([]string{"a", "", "b"}); got != "Ref_Key eq guid'a' or Ref_Key eq guid'b'" {
		t.Fatalf("got %q", got)
	}
	if got := And("x eq 1", "", "y eq 2"); got != "(x eq 1) and (y eq 2)" {
		t.Fatalf("got %q", got)
	}
	if got := And("", "x eq 1"); got != "x eq 1" {
		t.Fatalf("got %q", got)
	}
}
