package faulttolerance

import "time"

// Defaults
const (
	DefaultMaxFailuresPerNode       = 3
	DefaultFailureWindow            = 5 * time.Minute
	DefaultQuarantineDuration       = time.Hour
	DefaultFailureRetention         = time.Hour
	DefaultHealthCheckInterval      = 30 * time.Second
	DefaultSilenceThreshold         = 60 * time.Second
	DefaultPruneInterval            = 5 * time.Minute
	DefaultProbeTimeout             = 10 * time.Second
	DefaultReconnectAttempts        = 3
	DefaultReconnectBaseDelay       = 2 * time.Second
	DefaultMaxCheckpointsPerSession = 5
	DefaultCheckpointInterval       = 5 * time.Minute
	DefaultEndedSessionRetention    = time.Hour
	DefaultCheckpointMarkerTTL      = 24 * time.Hour
	DefaultLowQualityThreshold      = 50.0
)

// Config tunes the fault tolerance manager. Zero fields take the defaults.
type Config struct {
	MaxFailuresPerNode       int
	FailureWindow            time.Duration
	QuarantineDuration       time.Duration
	FailureRetention         time.Duration
	HealthCheckInterval      time.Duration
	SilenceThreshold         time.Duration
	PruneInterval            time.Duration
	ProbeTimeout             time.Duration
	ReconnectAttempts        int
	ReconnectBaseDelay       time.Duration
	MaxCheckpointsPerSession int
	CheckpointInterval       time.Duration
	EndedSessionRetention    time.Duration
	CheckpointMarkerTTL      time.Duration
	LowQualityThreshold      float64
}

func (c Config) withDefaults() Config {
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt(&c.MaxFailuresPerNode, DefaultMaxFailuresPerNode)
	setInt(&c.ReconnectAttempts, DefaultReconnectAttempts)
	setInt(&c.MaxCheckpointsPerSession, DefaultMaxCheckpointsPerSession)
	setDur(&c.FailureWindow, DefaultFailureWindow)
	setDur(&c.QuarantineDuration, DefaultQuarantineDuration)
	setDur(&c.FailureRetention, DefaultFailureRetention)
	setDur(&c.HealthCheckInterval, DefaultHealthCheckInterval)
	setDur(&c.SilenceThreshold, DefaultSilenceThreshold)
	setDur(&c.PruneInterval, DefaultPruneInterval)
	setDur(&c.ProbeTimeout, DefaultProbeTimeout)
	setDur(&c.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	setDur(&c.CheckpointInterval, DefaultCheckpointInterval)
	setDur(&c.EndedSessionRetention, DefaultEndedSessionRetention)
	setDur(&c.CheckpointMarkerTTL, DefaultCheckpointMarkerTTL)
	if c.LowQualityThreshold <= 0 {
		c.LowQualityThreshold = DefaultLowQualityThreshold
	}
	return c
}
