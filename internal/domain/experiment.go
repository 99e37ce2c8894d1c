package domain

import (
	"time"
)

// ExperimentStatus is the lifecycle of an A/B experiment.
type ExperimentStatus string

const (
	ExperimentActive       ExperimentStatus = "active"
	ExperimentAdopted      ExperimentStatus = "adopted"
	ExperimentRejected     ExperimentStatus = "rejected"
	ExperimentInconclusive ExperimentStatus = "inconclusive"
)

// Terminal reports whether the experiment finished.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentAdopted || s == ExperimentRejected || s == ExperimentInconclusive
}

// ArmStats accumulates outcomes for one experiment arm.
type ArmStats struct {
	Samples int     `json:"samples"`
	Wins    int     `json:"wins"`
	SumROI  float64 `json:"sum_roi"`
	SumROI2 float64 `json:"sum_roi2"`
}

// Mean returns the arm's average ROI.
func (a ArmStats) Mean() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.SumROI / float64(a.Samples)
}

// Variance returns the arm's sample ROI variance.
func (a ArmStats) Variance() float64 {
	if a.Samples < 2 {
		return 0
	}
	n := float64(a.Samples)
	mean := a.Mean()
	return (a.SumROI2 - n*mean*mean) / (n - 1)
}

// Record adds one closed trade outcome to the arm.
func (a *ArmStats) Record(roi float64, win bool) {
	a.Samples++
	if win {
		a.Wins++
	}
	a.SumROI += roi
	a.SumROI2 += roi * roi
}

// Experiment is one A/B test over a single strategy parameter.
type Experiment struct {
	ID             string
	Name           string
	Parameter      string
	ControlValue   float64
	TestValue      float64
	Allocation     float64
	MinSamples     int
	SuccessMetric  string
	Control        ArmStats
	Test           ArmStats
	Status         ExperimentStatus
	DecisionReason string
	StartedAt      time.Time
	Deadline       time.Time
	FinishedAt     time.Time
}

// PatternStatus is the review state of a detected pattern.
type PatternStatus string

const (
	PatternDetected  PatternStatus = "detected"
	PatternConfirmed PatternStatus = "confirmed"
	PatternDismissed PatternStatus = "dismissed"
)

// Pattern is one statistically significant regularity over closed trades.
type Pattern struct {
	ID         string
	Category   string
	Name       string
	SampleSize int
	WinRate    float64
	AvgROI     float64
	Confidence float64
	PValue     float64
	EffectSize float64
	Status     PatternStatus
	DetectedAt time.Time
}
