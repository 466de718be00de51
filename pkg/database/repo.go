package database

import (
	"context"

	"gorm.io/gorm"
)

// UnmeasuredTrials returns started, non-preempted trials of the
// experiment that have no snapshot yet.
func UnmeasuredTrials(ctx context.Context, db *gorm.DB, experiment string) ([]*Trial, error) {
	var trials []*Trial
	measured := db.Model(&Snapshot{}).
		Select("snapshots.trial_id").
		Joins("JOIN trials ON trials.id = snapshots.trial_id").
		Where("trials.experiment = ? AND NOT trials.preempted", experiment)

	err := db.WithContext(ctx).
		Where("experiment = ?", experiment).
		Where("time_started IS NOT NULL").
		Where("NOT preempted").
		Where("id NOT IN (?)", measured).
		Find(&trials).Error
	if err != nil {
		return nil, err
	}
	return trials, nil
}

// TrialSnapshotTime holds the latest measured snapshot time of a trial.
type TrialSnapshotTime struct {
	Fuzzer    string
	Benchmark string
	TrialID   int
	Time      int
}

// LatestSnapshotTimes returns, per measured trial of the experiment,
// the trial-relative time of its most recent snapshot.
func LatestSnapshotTimes(ctx context.Context, db *gorm.DB, experiment string) ([]TrialSnapshotTime, error) {
	var rows []TrialSnapshotTime
	err := db.WithContext(ctx).Model(&Snapshot{}).
		Select("trials.fuzzer AS fuzzer, trials.benchmark AS benchmark, snapshots.trial_id AS trial_id, MAX(snapshots.time) AS time").
		Joins("JOIN trials ON trials.id = snapshots.trial_id").
		Where("trials.experiment = ?", experiment).
		Group("snapshots.trial_id, trials.fuzzer, trials.benchmark").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveSnapshots inserts measured snapshots in one batch.
func SaveSnapshots(ctx context.Context, db *gorm.DB, snapshots []*Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(snapshots).Error
}

// ExperimentBenchmarks returns the distinct benchmarks with trials in
// the experiment.
func ExperimentBenchmarks(ctx context.Context, db *gorm.DB, experiment string) ([]string, error) {
	var benchmarks []string
	err := db.WithContext(ctx).Model(&Trial{}).
		Distinct("benchmark").
		Where("experiment = ?", experiment).
		Pluck("benchmark", &benchmarks).Error
	if err != nil {
		return nil, err
	}
	return benchmarks, nil
}
