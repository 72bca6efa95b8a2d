package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ScheduleConfig
		wantKind Kind
		wantErr  bool
	}{
		{name: "cron", cfg: ScheduleConfig{Cron: "0 9 * * *"}, wantKind: KindCron},
		{name: "cron with seconds", cfg: ScheduleConfig{Cron: "*/30 * * * * *"}, wantKind: KindCron},
		{name: "descriptor", cfg: ScheduleConfig{Cron: "@hourly"}, wantKind: KindCron},
		{name: "every", cfg: ScheduleConfig{Every: time.Hour}, wantKind: KindEvery},
		{name: "at", cfg: ScheduleConfig{At: "2030-01-02T03:04:05Z"}, wantKind: KindAt},
		{name: "at local format", cfg: ScheduleConfig{At: "2030-01-02 03:04", Timezone: "UTC"}, wantKind: KindAt},
		{name: "empty", cfg: ScheduleConfig{}, wantErr: true},
		{name: "two kinds", cfg: ScheduleConfig{Cron: "@daily", Every: time.Hour}, wantErr: true},
		{name: "bad cron", cfg: ScheduleConfig{Cron: "not a cron"}, wantErr: true},
		{name: "too frequent", cfg: ScheduleConfig{Every: time.Millisecond}, wantErr: true},
		{name: "bad timezone", cfg: ScheduleConfig{Cron: "@daily", Timezone: "Nowhere/Else"}, wantErr: true},
		{name: "bad at", cfg: ScheduleConfig{At: "tomorrow"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && s.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", s.Kind, tt.wantKind)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2030, 1, 1, 8, 30, 0, 0, time.UTC)

	daily, err := ParseSchedule(ScheduleConfig{Cron: "0 9 * * *", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	next, ok := daily.Next(now)
	if !ok || !next.Equal(time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("cron Next() = %v, %v", next, ok)
	}

	every, _ := ParseSchedule(ScheduleConfig{Every: 15 * time.Minute})
	if next, ok := every.Next(now); !ok || !next.Equal(now.Add(15*time.Minute)) {
		t.Errorf("every Next() = %v, %v", next, ok)
	}

	at, _ := ParseSchedule(ScheduleConfig{At: "2030-01-01T10:00:00Z"})
	if next, ok := at.Next(now); !ok || next.Hour() != 10 {
		t.Errorf("at Next() = %v, %v", next, ok)
	}
	if _, ok := at.Next(now.Add(2 * time.Hour)); ok {
		t.Error("at schedule in the past should not run again")
	}
}
