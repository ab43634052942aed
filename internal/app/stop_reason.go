package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopQuit       StopReason = "console_quit"
	StopFatalError StopReason = "fatal_error"
)
