package database

import (
	"time"
)

// Trial represents a record in the public.trials table: one run of one
// fuzzer against one benchmark inside an experiment.
type Trial struct {
	ID          int        `gorm:"primaryKey;column:id"`
	Experiment  string     `gorm:"column:experiment;not null"`
	Fuzzer      string     `gorm:"column:fuzzer;not null"`
	Benchmark   string     `gorm:"column:benchmark;not null"`
	TimeStarted *time.Time `gorm:"column:time_started"`
	TimeEnded   *time.Time `gorm:"column:time_ended"`
	Preempted   bool       `gorm:"column:preempted;default:false"`
}

func (Trial) TableName() string { return "trials" }

// Snapshot represents a record in the public.snapshots table: the
// coverage a trial had reached at a point in trial-relative time.
type Snapshot struct {
	ID           int `gorm:"primaryKey;column:id"`
	Time         int `gorm:"column:time;not null"` // seconds since trial start
	TrialID      int `gorm:"column:trial_id;not null"`
	EdgesCovered int `gorm:"column:edges_covered"`

	Trial *Trial `gorm:"foreignKey:TrialID"`
}

func (Snapshot) TableName() string { return "snapshots" }
