package config

const (
	defaultStateDir             = "~/.local/share/logship/state"
	defaultLogDir               = "~/.local/share/logship/logs"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultRequestTimeout       = 120
	defaultRequestsPerSecond    = 20.0
	defaultStableSeconds        = 30
	defaultBacklogMaxAgeDays    = 14
	defaultRetentionDays        = 30
	defaultUploadWorkers        = 2
	defaultMaxAttempts          = 5
	defaultScheduleMode         = ScheduleInterval
	defaultIntervalMinutes      = 15
	defaultDailyTime            = "02:00"
	defaultKeepDays             = 3
	defaultAgeSweepMaxAgeDays   = 30
	defaultAgeSweepScheduleTime = "03:00"
	defaultCriticalPercent      = 90.0
	defaultWarningPercent       = 80.0
	defaultDiskCheckMinutes     = 5
)

// MinIntervalMinutes is the enforced floor for interval scheduling so a
// misconfigured interval cannot thrash the queue.
const MinIntervalMinutes = 1

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Store: RemoteStore{
			RequestTimeout:    defaultRequestTimeout,
			RequestsPerSecond: defaultRequestsPerSecond,
		},
		Upload: Upload{
			StableSeconds: defaultStableSeconds,
			MaxAgeDays:    defaultBacklogMaxAgeDays,
			RetentionDays: defaultRetentionDays,
			Workers:       defaultUploadWorkers,
			MaxAttempts:   defaultMaxAttempts,
		},
		Schedule: Schedule{
			Mode:            defaultScheduleMode,
			IntervalMinutes: defaultIntervalMinutes,
			DailyTime:       defaultDailyTime,
			UploadOnStart:   true,
		},
		Deletion: Deletion{
			AfterUpload: AfterUpload{
				KeepDays: defaultKeepDays,
			},
			AgeBased: AgeBased{
				MaxAgeDays:   defaultAgeSweepMaxAgeDays,
				ScheduleTime: defaultAgeSweepScheduleTime,
			},
			Emergency: Emergency{
				CriticalPercent:      defaultCriticalPercent,
				WarningPercent:       defaultWarningPercent,
				CheckIntervalMinutes: defaultDiskCheckMinutes,
			},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
